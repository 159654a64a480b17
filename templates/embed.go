// Package templates embeds the starter configuration written by dirpoller init.
package templates

import "embed"

//go:embed config.yaml
var FS embed.FS
