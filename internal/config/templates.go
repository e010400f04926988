package config

import (
	"fmt"
	"os"
)

func Template() string {
	return runtimeTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(runtimeTemplate), 0o600)
}

const runtimeTemplate = `name = "affinity"
http_addr = ":9400"
pin_os_thread = false
heartbeat = "5s"
log_level = "info"
cors_origins = ["http://localhost:3000"]

[[workers]]
id = "worker-1"
events = 100
interval = "10ms"

[[workers]]
id = "worker-2"
events = 50
interval = "25ms"
`
