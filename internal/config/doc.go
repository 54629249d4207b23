// Package config loads the debugger's TOML configuration.
//
// A missing file yields the defaults; every key is optional:
//
//	[server]
//	address = "127.0.0.1:19000"
//	retry_interval = "250ms"
//	protocol = ">= 1.0.0, < 2.0.0"
//
//	[memory]
//	shm_dir = "/dev/shm"
//
//	[breakpoints]
//	store = "~/.config/guestdbg/breakpoints.json"
//
//	[log]
//	level = "info"
//
// The watcher sub-package reports changes to the file so a running process
// can reload it.
package config
