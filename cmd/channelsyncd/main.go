// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

// channelsyncd keeps a Local Store of retail orders and inventory consistent
// with a remote e-commerce channel. It runs as a daemon (serve) or as a
// one-shot CLI for manual syncs and checkpoint administration.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
