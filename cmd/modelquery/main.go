// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command modelquery loads model objects into the store and runs traversal
// queries over them.
//
// Usage:
//
//	modelquery --schema schema.yaml load --data building.json
//	modelquery revisions
//	modelquery query --revision 1 --query walls.json
//	modelquery query --roots 10,11 --query storeys.json --out result.jsonl
//	modelquery schema
//
// Configuration comes from --config (YAML or JSON), MODELSERVER_*
// environment variables and the global flags, in that order. With
// --metrics-addr the command serves Prometheus metrics while it runs.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
