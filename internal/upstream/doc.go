// Package upstream manages outbound connections to the configured MCP
// servers. Each transport (stdio child process, streamable-http, SSE) is
// wrapped in a common Client interface; the Manager owns one supervised
// Connection per server, with exponential connect retry, OAuth pivot on
// 401, stdio restart policy, and hot application of config diffs.
package upstream
