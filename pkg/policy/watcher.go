package policy

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the policies whenever a .rego file in the policy dir
// changes. Blocks until the context is cancelled; callers run it in a
// goroutine. A no-op when no policy dir is configured.
func (e *Engine) Watch(ctx context.Context) error {
	if e.dir == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(e.dir); err != nil {
		return err
	}
	e.logger.Info().Str("dir", e.dir).Msg("watching policy dir")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			e.logger.Info().Str("file", event.Name).Str("op", event.Op.String()).Msg("policy change detected")
			if err := e.Reload(ctx); err != nil {
				// A broken policy file must not take down the last good
				// rule set.
				e.logger.Error().Err(err).Msg("policy reload failed, keeping previous rules")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logger.Error().Err(err).Msg("policy watcher error")
		}
	}
}
