// Package config loads fabricore-gateway configuration.
//
// The file is YAML, or TOML when its name ends in .toml. It is looked up at
// $FABRICORE_CONFIG, then $XDG_CONFIG_HOME/fabricore/gateway.yaml, then
// ~/.config/fabricore/gateway.yaml.
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//
//	tailscale:
//	  enabled: false
//	  hostname: "fabricore"
//	  auth_key: "${TS_AUTHKEY}"
//
//	database:
//	  path: "./fabricore.db"
//
//	auth:
//	  agent_token_secret: "${FABRICORE_AGENT_SECRET}"
//
//	agents:
//	  handshake_timeout: "10s"
//	  command_timeout: "30s"
//
//	llm:
//	  base_url: "http://localhost:8081"
//	  max_tokens: 1024
//	  temperature: 0.2
//	  timeout: "2m"
//
//	loop:
//	  max_turns: 15
//	  scheduled_max_turns: 5
//
//	scheduler:
//	  enabled: true
//	  tick: "1m"
//
//	logging:
//	  level: "info"
//	  format: "text"
//
// # Resolution Order
//
// ${VAR} references in the raw file are expanded first. The decoded values
// are then overridden by FABRICORE_* environment variables such as
// FABRICORE_HTTP_ADDR, FABRICORE_DB_PATH and FABRICORE_LLM_BASE_URL.
// Durations are parsed last and defaults fill whatever is still unset.
package config
