package config

import (
	"fmt"
	"os"

	"neko/internal/filestore"
)

// Template is the commented config written by `neko init`.
const Template = `# neko configuration. ${VAR} references are expanded from the environment,
# and NEKO_* variables override keys (NEKO_AGENT_MODEL, NEKO_SERVER_ADDR, ...).
workspace: ~/.neko/workspace

agent:
  endpoint: https://api.openai.com/v1
  model: gpt-5-mini
  api_key: ${OPENAI_API_KEY}
  max_iterations: 10
  timeout: 120s

memory:
  core_cap: 2000

scheduler:
  tick: 15s
  job_timeout: 10m
  max_concurrent: 4
  shutdown_grace: 30s

tools:
  default_timeout: 60s
  exec:
    # Empty allows every command. When set, shell operators such as ; | && and $() are refused.
    allowlist: []
    timeout: 30m
    # Commands still running after this are backgrounded; see the process tool.
    yield: 10s
  http:
    allowed_domains: []
  script:
    max_steps: 1000000
    timeout: 10s

# MCP servers (stdio). Uncomment to enable.
# mcp:
#   filesystem:
#     command: npx
#     args: ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
#   brave-search:
#     command: npx
#     args: ["-y", "@anthropic/mcp-server-brave-search"]
#     env:
#       BRAVE_API_KEY: ${BRAVE_API_KEY}

channels:
  telegram:
    token: ${TELEGRAM_BOT_TOKEN}
    allowed_chats: []

session:
  reset_mode: daily
  reset_hour: 4
  dm_scope: main
  max_history: 100

server:
  addr: 127.0.0.1:3000
  cors_origins: []

observability:
  logging:
    level: info
    format: text
    file: logs/neko.log
  metrics:
    enabled: true
  tracing:
    enabled: false
    exporter: otlp
`

// WriteTemplate writes Template to path. An existing file is kept unless
// force is set; the return value reports whether a file was written.
func WriteTemplate(path string, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}
	if err := filestore.EnsureParentDir(path); err != nil {
		return false, err
	}
	if err := filestore.AtomicWrite(path, []byte(Template), 0o600); err != nil {
		return false, fmt.Errorf("write config template: %w", err)
	}
	return true, nil
}
