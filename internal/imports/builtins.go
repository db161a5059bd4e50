package imports

import "strings"

var nodeBuiltins = map[string]struct{}{
	"assert": {}, "async_hooks": {}, "buffer": {}, "child_process": {}, "cluster": {},
	"console": {}, "constants": {}, "crypto": {}, "dgram": {}, "diagnostics_channel": {},
	"dns": {}, "domain": {}, "events": {}, "fs": {}, "http": {}, "http2": {}, "https": {},
	"inspector": {}, "module": {}, "net": {}, "os": {}, "path": {}, "perf_hooks": {},
	"process": {}, "punycode": {}, "querystring": {}, "readline": {}, "repl": {},
	"stream": {}, "string_decoder": {}, "sys": {}, "timers": {}, "tls": {},
	"trace_events": {}, "tty": {}, "url": {}, "util": {}, "v8": {}, "vm": {},
	"wasi": {}, "worker_threads": {}, "zlib": {},
}

// IsBuiltin reports whether specifier names a runtime module rather than a file.
func IsBuiltin(specifier string) bool {
	if strings.HasPrefix(specifier, "node:") || strings.HasPrefix(specifier, "bun:") {
		return true
	}
	name, _, _ := strings.Cut(specifier, "/")
	_, ok := nodeBuiltins[name]
	return ok
}

// urlScheme returns the scheme of specifier if it looks like a URL. Single
// letter schemes are treated as Windows drive letters.
func urlScheme(specifier string) (string, bool) {
	scheme, _, found := strings.Cut(specifier, ":")
	if !found || len(scheme) < 2 {
		return "", false
	}
	for i, r := range scheme {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return "", false
		}
	}
	return strings.ToLower(scheme), true
}
