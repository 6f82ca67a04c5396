// Package agent performs in-guest operations over SSH: service restarts
// and bootstrap script execution. It runs outside the declarative
// infrastructure path and never touches workspace state.
package agent

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/machinist/machinist/pkg/engine"
)

// unitNamePattern constrains service names to systemd unit characters,
// keeping them safe to splice into a shell command line.
var unitNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.@:-]+$`)

// Config configures the SSH agent.
type Config struct {
	// Port is the SSH port on target machines.
	Port int `yaml:"port"`

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// UnmarshalYAML accepts Go duration strings for dial_timeout; yaml.v3 does
// not decode them into time.Duration natively.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		Port        int    `yaml:"port"`
		DialTimeout string `yaml:"dial_timeout"`
	}{
		Port:        c.Port,
		DialTimeout: c.DialTimeout.String(),
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	timeout, err := time.ParseDuration(raw.DialTimeout)
	if err != nil {
		return fmt.Errorf("invalid dial_timeout: %w", err)
	}
	c.Port = raw.Port
	c.DialTimeout = timeout
	return nil
}

// SSHAgent implements engine.ServiceAgent over SSH connections
// authenticated with the machine's deploy key.
type SSHAgent struct {
	port        int
	dialTimeout time.Duration
	logger      zerolog.Logger
}

// NewSSHAgent creates the agent.
func NewSSHAgent(cfg Config, logger zerolog.Logger) *SSHAgent {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	return &SSHAgent{
		port:        cfg.Port,
		dialTimeout: cfg.DialTimeout,
		logger:      logger.With().Str("component", "agent").Logger(),
	}
}

// RestartService restarts a systemd unit on the target and verifies it
// came back active.
func (a *SSHAgent) RestartService(ctx context.Context, target engine.AgentTarget, service string, sink engine.LogSink) error {
	if !unitNamePattern.MatchString(service) {
		return engine.NewValidationError(fmt.Sprintf("invalid service name %q", service))
	}

	client, err := a.connect(ctx, target)
	if err != nil {
		return err
	}
	defer client.Close()

	sink(engine.LogLevelInfo, "agent", fmt.Sprintf("restarting %s on %s", service, target.Host))
	if err := a.run(ctx, client, "systemctl restart "+service, sink); err != nil {
		return err
	}
	if err := a.run(ctx, client, "systemctl is-active "+service, sink); err != nil {
		return engine.NewExecutionError(
			fmt.Sprintf("service %s did not come back active", service), err, nil)
	}
	return nil
}

// RunBootstrap uploads the script over SFTP, executes it, and removes it
// regardless of outcome.
func (a *SSHAgent) RunBootstrap(ctx context.Context, target engine.AgentTarget, script string, sink engine.LogSink) error {
	client, err := a.connect(ctx, target)
	if err != nil {
		return err
	}
	defer client.Close()

	remote := fmt.Sprintf("/tmp/machinist-bootstrap-%d.sh", time.Now().UnixNano())

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return engine.NewExecutionError("failed to open sftp channel", err, nil)
	}

	f, err := sftpClient.Create(remote)
	if err != nil {
		sftpClient.Close()
		return engine.NewExecutionError("failed to create bootstrap script", err, nil)
	}
	if _, err := f.Write([]byte(script)); err != nil {
		f.Close()
		sftpClient.Close()
		return engine.NewExecutionError("failed to upload bootstrap script", err, nil)
	}
	if err := f.Chmod(0o700); err != nil {
		f.Close()
		sftpClient.Close()
		return engine.NewExecutionError("failed to set bootstrap script mode", err, nil)
	}
	f.Close()
	sftpClient.Close()

	sink(engine.LogLevelInfo, "agent", "running bootstrap script")
	runErr := a.run(ctx, client, "bash "+remote, sink)

	// Best-effort removal of the uploaded script.
	if err := a.run(context.WithoutCancel(ctx), client, "rm -f "+remote, nil); err != nil {
		a.logger.Warn().Err(err).Str("host", target.Host).Msg("failed to remove bootstrap script")
	}
	return runErr
}

// connect dials the target and authenticates with its deploy key.
func (a *SSHAgent) connect(ctx context.Context, target engine.AgentTarget) (*ssh.Client, error) {
	signer, err := ssh.ParsePrivateKey(target.PrivateKey)
	if err != nil {
		return nil, engine.NewValidationError("deploy key is not a valid ssh private key")
	}

	user := target.User
	if user == "" {
		user = "root"
	}

	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Freshly provisioned machines have unknown host keys; pinning
		// happens at a higher layer once an inventory exists.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         a.dialTimeout,
	}

	addr := net.JoinHostPort(target.Host, fmt.Sprintf("%d", a.port))
	dialer := net.Dialer{Timeout: a.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, engine.NewExecutionError(fmt.Sprintf("failed to reach %s", addr), err, nil)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, engine.NewExecutionError(fmt.Sprintf("ssh handshake with %s failed", addr), err, nil)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// run executes one command in a fresh session, streaming combined output
// to the sink. Context cancellation signals the remote process.
func (a *SSHAgent) run(ctx context.Context, client *ssh.Client, cmd string, sink engine.LogSink) error {
	session, err := client.NewSession()
	if err != nil {
		return engine.NewExecutionError("failed to open ssh session", err, nil)
	}
	defer session.Close()

	output, err := func() ([]byte, error) {
		done := make(chan struct{})
		var out []byte
		var runErr error
		go func() {
			out, runErr = session.CombinedOutput(cmd)
			close(done)
		}()

		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGTERM)
			<-done
			return out, ctx.Err()
		case <-done:
			return out, runErr
		}
	}()

	if sink != nil {
		for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
			if line != "" {
				sink(engine.LogLevelInfo, "agent", line)
			}
		}
	}

	if err != nil {
		tail := lastLines(string(output), 10)
		return engine.NewExecutionError(fmt.Sprintf("remote command failed: %s", cmd), err, tail)
	}
	return nil
}

func lastLines(s string, n int) []string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}
