package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/machinist/machinist/pkg/engine"
)

func doCreds(token string) *engine.Credentials {
	return &engine.Credentials{
		Provider:     engine.ProviderDigitalOcean,
		DigitalOcean: &engine.DigitalOceanCredentials{Token: token},
	}
}

func newTestAdapter(t *testing.T, handler http.Handler) *DigitalOcean {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	adapter := NewDigitalOcean(zerolog.Nop())
	adapter.baseURL = server.URL
	return adapter
}

func TestMapDropletStatus(t *testing.T) {
	tests := []struct {
		in   string
		want engine.MachineStatus
	}{
		{"active", engine.StatusRunning},
		{"new", engine.StatusProvisioning},
		{"off", engine.StatusStopped},
		{"archive", engine.StatusTerminated},
		{"something-new", engine.StatusError},
		{"", engine.StatusError},
	}
	for _, tt := range tests {
		if got := mapDropletStatus(tt.in); got != tt.want {
			t.Errorf("mapDropletStatus(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestValidateCredentials(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/account" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") == "Bearer good-token" {
			w.Write([]byte(`{"account": {"status": "active"}}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"id": "Unauthorized", "message": "Unable to authenticate you"}`))
	}))

	if err := adapter.ValidateCredentials(context.Background(), doCreds("good-token")); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}

	err := adapter.ValidateCredentials(context.Background(), doCreds("bad-token"))
	if engine.CodeOf(err) != engine.CodeInvalidCredentials {
		t.Fatalf("invalid token error = %v, want %s", err, engine.CodeInvalidCredentials)
	}

	err = adapter.ValidateCredentials(context.Background(), doCreds(""))
	if engine.CodeOf(err) != engine.CodeInvalidCredentials {
		t.Fatalf("empty token error = %v, want %s", err, engine.CodeInvalidCredentials)
	}
}

func TestDescribeResource(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/droplets/12345":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"droplet": map[string]interface{}{
					"id":     12345,
					"status": "active",
					"region": map[string]string{"slug": "nyc3"},
					"size":   map[string]string{"slug": "s-1vcpu-1gb"},
					"networks": map[string]interface{}{
						"v4": []map[string]string{
							{"ip_address": "10.132.0.3", "type": "private"},
							{"ip_address": "203.0.113.10", "type": "public"},
						},
					},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"id": "not_found", "message": "The resource you requested could not be found."}`))
		}
	}))

	obs, err := adapter.DescribeResource(context.Background(), doCreds("t"), "12345")
	if err != nil {
		t.Fatalf("DescribeResource: %v", err)
	}
	if !obs.Found {
		t.Fatal("existing droplet reported as not found")
	}
	if obs.Status != engine.StatusRunning {
		t.Errorf("status = %s, want %s", obs.Status, engine.StatusRunning)
	}
	if obs.PublicIP != "203.0.113.10" || obs.PrivateIP != "10.132.0.3" {
		t.Errorf("ips = %s / %s", obs.PublicIP, obs.PrivateIP)
	}
	if obs.Region != "nyc3" || obs.Size != "s-1vcpu-1gb" {
		t.Errorf("region/size = %s / %s", obs.Region, obs.Size)
	}

	// A vanished droplet is reported, not errored.
	obs, err = adapter.DescribeResource(context.Background(), doCreds("t"), "99999")
	if err != nil {
		t.Fatalf("DescribeResource missing: %v", err)
	}
	if obs.Found {
		t.Fatal("missing droplet reported as found")
	}
}

func TestDestroyResourceIdempotent(t *testing.T) {
	deletes := 0
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		deletes++
		if deletes == 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"id": "not_found", "message": "gone"}`))
	}))

	if err := adapter.DestroyResource(context.Background(), doCreds("t"), "12345"); err != nil {
		t.Fatalf("first destroy: %v", err)
	}
	if err := adapter.DestroyResource(context.Background(), doCreds("t"), "12345"); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
}

func TestProviderErrorClassification(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"id": "server_error", "message": "something broke"}`))
	}))

	_, err := adapter.ListRegions(context.Background(), doCreds("t"))
	if engine.CodeOf(err) != engine.CodeProviderError {
		t.Fatalf("error = %v, want %s", err, engine.CodeProviderError)
	}
	if !engine.IsTransient(err) {
		t.Fatal("5xx provider error not classified transient")
	}
}

func TestListRegions(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"regions": [
			{"slug": "nyc3", "name": "New York 3", "available": true},
			{"slug": "sfo2", "name": "San Francisco 2", "available": false}
		]}`))
	}))

	regions, err := adapter.ListRegions(context.Background(), doCreds("t"))
	if err != nil {
		t.Fatalf("ListRegions: %v", err)
	}
	if len(regions) != 2 {
		t.Fatalf("len(regions) = %d, want 2", len(regions))
	}
	if regions[0].Slug != "nyc3" || !regions[0].Available {
		t.Errorf("regions[0] = %+v", regions[0])
	}
	if regions[1].Available {
		t.Errorf("regions[1] should be unavailable")
	}
}

func TestRegistryResolve(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())

	a, err := registry.Resolve(engine.ProviderDigitalOcean)
	if err != nil {
		t.Fatalf("Resolve digitalocean: %v", err)
	}
	if a.Type() != engine.ProviderDigitalOcean {
		t.Fatalf("adapter type = %s", a.Type())
	}

	// Stubbed providers resolve but fail fast on use.
	aws, err := registry.Resolve(engine.ProviderAWS)
	if err != nil {
		t.Fatalf("Resolve aws: %v", err)
	}
	if err := aws.ValidateCredentials(context.Background(), nil); engine.CodeOf(err) != engine.CodeUnsupportedProvider {
		t.Fatalf("stub error = %v, want %s", err, engine.CodeUnsupportedProvider)
	}

	if _, err := registry.Resolve(engine.ProviderType("azure")); engine.CodeOf(err) != engine.CodeUnsupportedProvider {
		t.Fatalf("unknown provider error = %v, want %s", err, engine.CodeUnsupportedProvider)
	}
}

func TestTerraformSource(t *testing.T) {
	adapter := NewDigitalOcean(zerolog.Nop())

	machine := &engine.Machine{Name: "web-1", Region: "nyc3", Size: "s-1vcpu-1gb", Image: "ubuntu-24-04-x64"}
	params := engine.DeploymentParams{
		Name:       "web-1",
		Region:     "nyc3",
		Size:       "s-1vcpu-1gb",
		Image:      "ubuntu-24-04-x64",
		SSHKeyID:   "key-7",
		FirewallID: "fw-1",
		Tags:       map[string]string{"env": "prod"},
	}

	source, err := adapter.TerraformSource(doCreds("secret-token"), machine, params)
	if err != nil {
		t.Fatalf("TerraformSource: %v", err)
	}

	mainRaw, ok := source.Files["main.tf.json"]
	if !ok {
		t.Fatal("main.tf.json missing")
	}
	varsRaw, ok := source.Files["terraform.tfvars.json"]
	if !ok {
		t.Fatal("terraform.tfvars.json missing")
	}

	var main map[string]interface{}
	if err := json.Unmarshal(mainRaw, &main); err != nil {
		t.Fatalf("main.tf.json is not valid json: %v", err)
	}
	outputs, ok := main["output"].(map[string]interface{})
	if !ok {
		t.Fatal("module has no outputs")
	}
	for _, name := range []string{"resource_id", "public_ip", "private_ip", "status", "region", "size", "firewall_id"} {
		if _, ok := outputs[name]; !ok {
			t.Errorf("output %q missing from module", name)
		}
	}

	droplet := main["resource"].(map[string]interface{})["digitalocean_droplet"].(map[string]interface{})["machine"].(map[string]interface{})
	if droplet["ssh_keys"] != "${var.ssh_key_ids}" {
		t.Errorf("droplet ssh_keys = %v, want var.ssh_key_ids reference", droplet["ssh_keys"])
	}
	if _, ok := main["data"]; !ok {
		t.Error("firewall lookup missing from module")
	}

	var vars map[string]interface{}
	if err := json.Unmarshal(varsRaw, &vars); err != nil {
		t.Fatalf("tfvars is not valid json: %v", err)
	}
	if vars["do_token"] != "secret-token" {
		t.Error("token not present in tfvars")
	}
	if vars["region"] != "nyc3" {
		t.Errorf("region = %v", vars["region"])
	}
	keys, ok := vars["ssh_key_ids"].([]interface{})
	if !ok || len(keys) != 1 || keys[0] != "key-7" {
		t.Errorf("ssh_key_ids = %v, want [key-7]", vars["ssh_key_ids"])
	}
	if vars["firewall_id"] != "fw-1" {
		t.Errorf("firewall_id = %v, want fw-1", vars["firewall_id"])
	}

	// The module body itself must not embed the credential.
	if strings.Contains(string(mainRaw), "secret-token") {
		t.Error("credential leaked into module body")
	}
}

func TestTerraformSourceWithoutKeyOrFirewall(t *testing.T) {
	adapter := NewDigitalOcean(zerolog.Nop())
	machine := &engine.Machine{Name: "web-1", Region: "nyc3", Size: "s-1vcpu-1gb", Image: "ubuntu-24-04-x64"}

	source, err := adapter.TerraformSource(doCreds("t"), machine, engine.DeploymentParams{})
	if err != nil {
		t.Fatalf("TerraformSource: %v", err)
	}

	var main map[string]interface{}
	if err := json.Unmarshal(source.Files["main.tf.json"], &main); err != nil {
		t.Fatalf("main.tf.json is not valid json: %v", err)
	}

	droplet := main["resource"].(map[string]interface{})["digitalocean_droplet"].(map[string]interface{})["machine"].(map[string]interface{})
	if _, ok := droplet["ssh_keys"]; ok {
		t.Error("droplet has ssh_keys without a deploy key")
	}
	if _, ok := main["data"]; ok {
		t.Error("module has a firewall lookup without a firewall")
	}

	// The variable and output names stay declared either way.
	variables := main["variable"].(map[string]interface{})
	for _, name := range []string{"ssh_key_ids", "firewall_id"} {
		if _, ok := variables[name]; !ok {
			t.Errorf("variable %q missing from module", name)
		}
	}
	if _, ok := main["output"].(map[string]interface{})["firewall_id"]; !ok {
		t.Error("output firewall_id missing from module")
	}
}

func TestTerraformSourceCarriesMachineDeployKey(t *testing.T) {
	adapter := NewDigitalOcean(zerolog.Nop())
	machine := &engine.Machine{
		Name: "web-1", Region: "nyc3", Size: "s-1vcpu-1gb",
		Image: "ubuntu-24-04-x64", SSHKeyID: "key-3",
	}

	// Update deployments carry no ssh key in params; the machine's stored
	// deploy key still reaches the droplet.
	source, err := adapter.TerraformSource(doCreds("t"), machine, engine.DeploymentParams{})
	if err != nil {
		t.Fatalf("TerraformSource: %v", err)
	}

	var vars map[string]interface{}
	if err := json.Unmarshal(source.Files["terraform.tfvars.json"], &vars); err != nil {
		t.Fatalf("tfvars is not valid json: %v", err)
	}
	keys, ok := vars["ssh_key_ids"].([]interface{})
	if !ok || len(keys) != 1 || keys[0] != "key-3" {
		t.Errorf("ssh_key_ids = %v, want [key-3]", vars["ssh_key_ids"])
	}
}

func TestTerraformSourceMissingFields(t *testing.T) {
	adapter := NewDigitalOcean(zerolog.Nop())
	machine := &engine.Machine{Name: "web-1"}

	_, err := adapter.TerraformSource(doCreds("t"), machine, engine.DeploymentParams{})
	if engine.CodeOf(err) != engine.CodeValidation {
		t.Fatalf("error = %v, want %s", err, engine.CodeValidation)
	}
}
