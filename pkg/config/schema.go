package config

// JSONSchema represents the JSON Schema v7 for PoolConfig, for IDE
// autocomplete and documentation over the pool's own config file.
type JSONSchema struct {
	Schema      string                    `json:"$schema"`
	Title       string                    `json:"title"`
	Description string                    `json:"description"`
	Type        string                    `json:"type"`
	Properties  map[string]PropertySchema `json:"properties"`
	Required    []string                  `json:"required,omitempty"`
}

// PropertySchema represents a property in the JSON schema.
type PropertySchema struct {
	Type        string        `json:"type,omitempty"`
	Description string        `json:"description,omitempty"`
	Default     interface{}   `json:"default,omitempty"`
	Minimum     *int          `json:"minimum,omitempty"`
	Maximum     *int          `json:"maximum,omitempty"`
	Items       *PropertySchema `json:"items,omitempty"`
	Pattern     string        `json:"pattern,omitempty"`
	Examples    []interface{} `json:"examples,omitempty"`
}

// GenerateJSONSchema builds a JSON Schema v7 document describing PoolConfig,
// suitable for validating or documenting the pool config file.
func GenerateJSONSchema() *JSONSchema {
	minPort, maxPort := 0, 65535
	minBasePort := 1
	minSize, maxSize := 1, 100
	minChecks := 1

	return &JSONSchema{
		Schema:      "http://json-schema.org/draft-07/schema#",
		Title:       "relaypool pool configuration",
		Description: "Configuration schema for the relay pool supervisor",
		Type:        "object",
		Properties: map[string]PropertySchema{
			"POOL_SIZE": {
				Type:        "integer",
				Description: "Desired number of relay instances",
				Default:     3,
				Minimum:     &minSize,
				Maximum:     &maxSize,
			},
			"BASE_SOCKS_PORT": {
				Type:        "integer",
				Description: "Base SOCKS port; slot i binds BASE_SOCKS_PORT+i",
				Minimum:     &minBasePort,
				Maximum:     &maxPort,
				Examples:    []interface{}{30000},
			},
			"BASE_CTRL_PORT": {
				Type:        "integer",
				Description: "Base control port; slot i binds BASE_CTRL_PORT+i",
				Minimum:     &minBasePort,
				Maximum:     &maxPort,
				Examples:    []interface{}{40000},
			},
			"DATA_DIR": {
				Type:        "string",
				Description: "Data-directory root; slot i writes DATA_DIR/relay-<i>",
			},
			"COUNTRIES": {
				Type:        "array",
				Description: "ISO-3166 alpha-2 exit-country restriction list",
				Items:       &PropertySchema{Type: "string", Pattern: "^[A-Za-z]{2}$"},
			},
			"STRICT_NODES": {
				Type:        "boolean",
				Description: "Require exits to come exclusively from COUNTRIES",
				Default:     false,
			},
			"HEALTH_CHECK_INTERVAL": {
				Type:        "string",
				Description: "Health loop period (duration string, e.g. '30s')",
				Default:     "30s",
			},
			"HEALTH_CHECK_TIMEOUT": {
				Type:        "string",
				Description: "Per-check control-session deadline",
				Default:     "5s",
			},
			"AUTO_ROTATE_ENABLED": {
				Type:        "boolean",
				Description: "Whether the rotation loop runs automatically",
				Default:     false,
			},
			"AUTO_ROTATE_INTERVAL": {
				Type:        "string",
				Description: "Rotation loop period",
				Default:     "10m",
			},
			"MAX_FAILED_CHECKS": {
				Type:        "integer",
				Description: "Consecutive failed probes before is_healthy=false",
				Default:     3,
				Minimum:     &minChecks,
			},
			"ALERT_NODE_DOWN_THRESHOLD": {
				Type:        "number",
				Description: "Unhealthy fraction (0..1) that triggers one debounced alert",
				Default:     0.5,
			},
			"LOG_LEVEL": {
				Type:        "string",
				Description: "debug, info, warn, or error",
				Default:     "info",
			},
			"METRICS_PORT": {
				Type:        "integer",
				Description: "HTTP port serving /metrics and /healthz; 0 disables",
				Default:     0,
				Minimum:     &minPort,
				Maximum:     &maxPort,
			},
			"EXIT_INFO_ENDPOINT": {
				Type:        "string",
				Description: "IP-echo HTTP endpoint dialed through each instance's SOCKS port after rotate; empty disables the resolver",
			},
		},
		Required: []string{"POOL_SIZE", "BASE_SOCKS_PORT", "BASE_CTRL_PORT", "DATA_DIR"},
	}
}
