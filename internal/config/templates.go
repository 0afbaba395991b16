package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns the annotated template for kind: "server" or "client".
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server", "netbridged":
		return serverTemplate, nil
	case "client", "netbridge-get":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("%w: unknown config kind %q", ErrInvalid, kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `[runtime]
callback_workers = 2
callback_queue = 256

[listen]
addr = "127.0.0.1:8080"
buffer_size = 16384
reuse_addr = true
connect_timeout = "5s"
handshake_timeout = "5s"

[http1]
max_body = 67108864

[http2]
strict = true
# default | no_push | maximum
settings = "default"

[websocket]
max_payload = 16777216

# leave cert_file empty to serve plaintext
[tls]
cert_file = ""
key_file = ""
alpn = ["h2", "http/1.1"]

[log]
level = "info"
no_color = false
timestamp = true
`

const clientTemplate = `[listen]
addr = "127.0.0.1:8080"
connect_timeout = "5s"

[tls]
ca_file = ""

[client]
max_attempts = 5
initial_backoff = "100ms"
max_backoff = "2s"

[log]
level = "warn"
`
