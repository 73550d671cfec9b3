package main

import "time"

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	// Remote service connection
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	CACert     string
}

type ServeFlags struct {
	Listen    string
	// TLSDevDir enables TLS with a self-signed certificate kept in this directory.
	TLSDevDir string
}

// ExecFlags describe one device task.
type ExecFlags struct {
	Slot    uint32
	Address string
	Driver  string
	Action  string
	Data    string
	Hex     bool
	Timeout time.Duration
}

// RunFlags describe one host task.
type RunFlags struct {
	Slot    uint32
	Params  string
	Timeout time.Duration
}
