// Package cli provides shared utilities for the chatpod command-line tools.
//
// This package includes:
//   - Context-based configuration (contexts, per-service YAML files)
//   - Output formatting (JSON, YAML, raw)
//   - Terminal styling and a ring-buffered log writer
//
// Configuration lives under os.UserConfigDir()/chatpod/. A plain-text
// current-context file selects the active context, and each context is a
// directory of per-service YAML files, similar to kubectl:
//
//	chatpod/
//	  current-context
//	  contexts/
//	    dev/
//	      pod.yaml
//	  device/          identity and credential cache, shared by all contexts
//
// Example usage:
//
//	cfg, err := cli.Load()
//	dir, err := cfg.ResolveContext("") // current context
//	pod, err := cli.LoadService[PodSettings](dir, "pod")
//
//	cli.Output(result, cli.OutputOptions{
//	    Format: cli.FormatJSON,
//	    File:   outputPath,
//	})
package cli
