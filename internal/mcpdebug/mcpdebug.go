// Package mcpdebug provides a mechanism to configure compatibility and
// debugging parameters via the MCPRT_DEBUG environment variable.
//
// The value of MCPRT_DEBUG is a comma-separated list of key=value pairs.
// For example:
//
//	MCPRT_DEBUG=sselog=1,strictids=0
package mcpdebug

import (
	"fmt"
	"os"
	"strings"
)

const compatibilityEnvKey = "MCPRT_DEBUG"

var compatibilityParams map[string]string

func init() {
	var err error
	compatibilityParams, err = parseCompatibility(os.Getenv(compatibilityEnvKey))
	if err != nil {
		panic(err)
	}
}

// Value returns the value of the compatibility parameter with the given key.
// It returns an empty string if the key is not set.
func Value(key string) string {
	return compatibilityParams[key]
}

func parseCompatibility(envValue string) (map[string]string, error) {
	if envValue == "" {
		return nil, nil
	}

	params := make(map[string]string)
	for part := range strings.SplitSeq(envValue, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("MCPRT_DEBUG: invalid format: %q", part)
		}
		params[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return params, nil
}
