package training

import (
	"bytes"
	"fmt"
	"text/template"
)

// LaunchParams configure the boot script of a GPU instance
type LaunchParams struct {
	RunID        string
	TrainerImage string
	TrainerPort  int
	TrainerToken string
	WebhookURL   string // Where the trainer reports status codes
}

var launchTemplate = template.Must(template.New("launch").Parse(`#!/bin/bash
set -euo pipefail
exec >> /var/log/user-data.log 2>&1

echo "starting trainer for run {{.RunID}}"

mkdir -p /workspace
chmod 777 /workspace

docker pull {{.TrainerImage}}
docker run -d --restart unless-stopped --gpus all \
	--name trainer \
	-p {{.TrainerPort}}:{{.TrainerPort}} \
	-v /workspace:/workspace \
	-e TRAINER_PORT={{.TrainerPort}} \
	-e TRAINER_TOKEN={{printf "%q" .TrainerToken}} \
	-e TRAINING_RUN_ID={{.RunID}} \
	-e WEBHOOK_URL={{printf "%q" .WebhookURL}} \
	{{.TrainerImage}}

echo "trainer container started"
`))

// LaunchScript renders the user data that boots the trainer on a new instance
func LaunchScript(p LaunchParams) (string, error) {
	if p.TrainerImage == "" || p.TrainerPort == 0 {
		return "", fmt.Errorf("trainer image and port are required")
	}

	var buf bytes.Buffer
	if err := launchTemplate.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("render launch script: %w", err)
	}
	return buf.String(), nil
}
