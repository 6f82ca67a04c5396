package providers

import (
	"encoding/json"
	"fmt"

	"github.com/machinist/machinist/pkg/engine"
)

// TerraformSource renders the droplet module for a machine's workspace in
// terraform's JSON syntax: one main.tf.json carrying the module and one
// terraform.tfvars.json carrying the values, credentials included. The
// variable and output names form the stable workspace contract.
func (d *DigitalOcean) TerraformSource(creds *engine.Credentials, machine *engine.Machine, params engine.DeploymentParams) (*engine.WorkspaceSource, error) {
	token, err := tokenOf(creds)
	if err != nil {
		return nil, err
	}

	region := firstNonEmpty(params.Region, machine.Region)
	size := firstNonEmpty(params.Size, machine.Size)
	image := firstNonEmpty(params.Image, machine.Image)
	name := firstNonEmpty(params.Name, machine.Name)
	if region == "" || size == "" || image == "" || name == "" {
		return nil, engine.NewValidationError("machine is missing region, size, image, or name")
	}

	droplet := map[string]interface{}{
		"name":   "${var.name}",
		"region": "${var.region}",
		"size":   "${var.size}",
		"image":  "${var.image}",
	}
	if params.UserData != "" {
		droplet["user_data"] = "${var.user_data}"
	}

	sshKeyID := firstNonEmpty(params.SSHKeyID, machine.SSHKeyID)
	if sshKeyID != "" {
		droplet["ssh_keys"] = "${var.ssh_key_ids}"
	}
	firewallID := params.FirewallID

	tags := tagList(params.Tags)
	if machine.Tags != nil && params.Tags == nil {
		tags = tagList(machine.Tags)
	}
	if len(tags) > 0 {
		droplet["tags"] = "${digitalocean_tag.machine[*].id}"
	}

	variables := map[string]interface{}{
		"do_token":    map[string]interface{}{"type": "string", "sensitive": true},
		"name":        map[string]interface{}{"type": "string"},
		"region":      map[string]interface{}{"type": "string"},
		"size":        map[string]interface{}{"type": "string"},
		"image":       map[string]interface{}{"type": "string"},
		"tag_names":   map[string]interface{}{"type": "list(string)", "default": []string{}},
		"ssh_key_ids": map[string]interface{}{"type": "list(string)", "default": []string{}},
		"firewall_id": map[string]interface{}{"type": "string", "default": ""},
	}
	if params.UserData != "" {
		variables["user_data"] = map[string]interface{}{"type": "string", "default": ""}
	}

	resources := map[string]interface{}{
		"digitalocean_droplet": map[string]interface{}{
			"machine": droplet,
		},
	}
	if len(tags) > 0 {
		resources["digitalocean_tag"] = map[string]interface{}{
			"machine": map[string]interface{}{
				"count": "${length(var.tag_names)}",
				"name":  "${var.tag_names[count.index]}",
			},
		}
	}

	outputs := map[string]interface{}{
		"resource_id": map[string]interface{}{"value": "${digitalocean_droplet.machine.id}"},
		"public_ip":   map[string]interface{}{"value": "${digitalocean_droplet.machine.ipv4_address}"},
		"private_ip":  map[string]interface{}{"value": "${digitalocean_droplet.machine.ipv4_address_private}"},
		"region":      map[string]interface{}{"value": "${digitalocean_droplet.machine.region}"},
		"size":        map[string]interface{}{"value": "${digitalocean_droplet.machine.size}"},
		"firewall_id": map[string]interface{}{"value": "${var.firewall_id}"},
		"status": map[string]interface{}{
			"value": `${lookup({active = "running", new = "provisioning", off = "stopped", archive = "terminated"}, digitalocean_droplet.machine.status, "error")}`,
		},
	}

	main := map[string]interface{}{
		"terraform": map[string]interface{}{
			"required_providers": map[string]interface{}{
				"digitalocean": map[string]interface{}{
					"source":  "digitalocean/digitalocean",
					"version": "~> 2.0",
				},
			},
		},
		"provider": map[string]interface{}{
			"digitalocean": map[string]interface{}{
				"token": "${var.do_token}",
			},
		},
		"variable": variables,
		"resource": resources,
		"output":   outputs,
	}

	// The firewall itself is owned outside the workspace; the lookup
	// fails the plan fast when the reference is dangling, and the output
	// republishes the attached id through the stable contract.
	if firewallID != "" {
		main["data"] = map[string]interface{}{
			"digitalocean_firewall": map[string]interface{}{
				"machine": map[string]interface{}{"firewall_id": "${var.firewall_id}"},
			},
		}
		outputs["firewall_id"] = map[string]interface{}{"value": "${data.digitalocean_firewall.machine.firewall_id}"}
	}

	tfvars := map[string]interface{}{
		"do_token": token,
		"name":     name,
		"region":   region,
		"size":     size,
		"image":    image,
	}
	if len(tags) > 0 {
		tfvars["tag_names"] = tags
	}
	if sshKeyID != "" {
		tfvars["ssh_key_ids"] = []string{sshKeyID}
	}
	if firewallID != "" {
		tfvars["firewall_id"] = firewallID
	}
	if params.UserData != "" {
		tfvars["user_data"] = params.UserData
	}

	mainRaw, err := json.MarshalIndent(main, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render module: %w", err)
	}
	varsRaw, err := json.MarshalIndent(tfvars, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render variables: %w", err)
	}

	return &engine.WorkspaceSource{
		Files: map[string][]byte{
			"main.tf.json":          mainRaw,
			"terraform.tfvars.json": varsRaw,
		},
	}, nil
}

func tagList(tags map[string]string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for k, v := range tags {
		if v == "" {
			out = append(out, k)
			continue
		}
		out = append(out, k+":"+v)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
