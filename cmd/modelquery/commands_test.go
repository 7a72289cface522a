// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianModelServer/services/modelstore"
	"github.com/AleutianAI/AleutianModelServer/services/modelstore/objectstore"
)

const testSchema = `
types:
  - name: Product
    abstract: true
    fields:
      - {name: Name, kind: primitive}
      - {name: ContainedIn, kind: reference, target: Storey}
  - name: Wall
    super: Product
    fields:
      - {name: Openings, kind: reference_list, target: Opening}
  - name: Opening
    super: Product
  - name: Storey
    fields:
      - {name: Contains, kind: reference_list, target: Product}
`

const testObjects = `
{"oid": 10, "type": "Storey", "refs": {"Contains": [1, 3]}}
{"oid": 1, "type": "Wall", "attrs": {"Name": "north"}, "refs": {"Openings": [3], "ContainedIn": [10]}}
{"oid": 3, "type": "Opening", "refs": {"ContainedIn": [10]}}
`

// cliEnv is a scratch directory with a schema and an objects file, and an
// environment that keeps telemetry and host overrides out of the way.
type cliEnv struct {
	dir     string
	db      string
	schema  string
	objects string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	for _, key := range []string{
		"MODELSERVER_DB_PATH", "MODELSERVER_IN_MEMORY", "MODELSERVER_SCHEMA",
		"MODELSERVER_LOG_DIR", "MODELSERVER_MAX_STACK_DEPTH", "MODELSERVER_MAX_FRAMES_PROCESSED",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("MODELSERVER_LOG_LEVEL", "error")
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	t.Setenv("OTEL_METRICS_EXPORTER", "none")

	dir := t.TempDir()
	env := &cliEnv{
		dir:     dir,
		db:      filepath.Join(dir, "db"),
		schema:  filepath.Join(dir, "schema.yaml"),
		objects: filepath.Join(dir, "objects.jsonl"),
	}
	require.NoError(t, os.WriteFile(env.schema, []byte(testSchema), 0o600))
	require.NoError(t, os.WriteFile(env.objects, []byte(testObjects), 0o600))
	return env
}

func (e *cliEnv) writeQuery(t *testing.T, name, doc string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

// run executes one modelquery invocation against the env's store.
func (e *cliEnv) run(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--db", e.db, "--schema", e.schema}, args...))
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

func oidsOf(t *testing.T, jsonl string) []objectstore.OID {
	t.Helper()
	var oids []objectstore.OID
	for _, line := range strings.Split(strings.TrimSpace(jsonl), "\n") {
		if line == "" {
			continue
		}
		var o objectstore.Object
		require.NoError(t, json.Unmarshal([]byte(line), &o))
		oids = append(oids, o.OID)
	}
	return oids
}

func TestCLI_LoadRevisionsQuery(t *testing.T) {
	env := newCLIEnv(t)

	out, _, err := env.run(t, "load", "--data", env.objects)
	require.NoError(t, err)
	assert.Contains(t, out, "committed revision 1 (3 objects)")

	out, _, err = env.run(t, "revisions")
	require.NoError(t, err)
	assert.Contains(t, out, "REVISION")
	assert.Contains(t, out, "objects.jsonl")

	q := env.writeQuery(t, "all.json", `{}`)
	out, summary, err := env.run(t, "query", "--revision", "1", "--query", q)
	require.NoError(t, err)
	assert.Equal(t, []objectstore.OID{1, 3, 10}, oidsOf(t, out))
	assert.Contains(t, summary, "OBJECTS")
	assert.Contains(t, summary, q)
}

func TestCLI_QueryRootsAndOutFile(t *testing.T) {
	env := newCLIEnv(t)
	_, _, err := env.run(t, "load", "--data", env.objects, "--comment", "first")
	require.NoError(t, err)

	q := env.writeQuery(t, "down.json", `{"includes": [{"field": "Contains", "includes": [{"field": "Openings"}]}]}`)
	outFile := filepath.Join(env.dir, "result.jsonl")

	stdout, _, err := env.run(t, "query", "--roots", "10", "--query", q, "--out", outFile)
	require.NoError(t, err)
	assert.Empty(t, stdout)

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Equal(t, []objectstore.OID{10, 1, 3}, oidsOf(t, string(data)))
}

func TestCLI_QueryBatch(t *testing.T) {
	env := newCLIEnv(t)
	_, _, err := env.run(t, "load", "--data", env.objects)
	require.NoError(t, err)

	withOpenings := env.writeQuery(t, "openings.json", `{"includes": [{"field": "Openings"}]}`)
	plain := env.writeQuery(t, "plain.json", `{}`)

	out, summary, err := env.run(t, "query", "--roots", "1", "--query", withOpenings, "--query", plain)
	require.NoError(t, err)
	assert.ElementsMatch(t, []objectstore.OID{1, 3, 1}, oidsOf(t, out))
	assert.Contains(t, summary, "openings.json")
	assert.Contains(t, summary, "plain.json")
}

func TestCLI_QueryMalformed(t *testing.T) {
	env := newCLIEnv(t)
	q := env.writeQuery(t, "bad.json", `{"queries": [{"types": ["Door"]}]}`)

	_, _, err := env.run(t, "query", "--query", q)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed query")
}

func TestCLI_QueryBadRoots(t *testing.T) {
	env := newCLIEnv(t)
	q := env.writeQuery(t, "all.json", `{}`)

	_, _, err := env.run(t, "query", "--roots", "1,zero", "--query", q)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--roots")
}

func TestCLI_LoadSchemaViolation(t *testing.T) {
	env := newCLIEnv(t)
	bad := filepath.Join(env.dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[{"oid": 5, "type": "Product"}]`), 0o600))

	_, _, err := env.run(t, "load", "--data", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "abstract")

	out, _, err := env.run(t, "revisions")
	require.NoError(t, err)
	assert.NotContains(t, out, "bad.json")
}

func TestCLI_Schema(t *testing.T) {
	env := newCLIEnv(t)
	out, _, err := env.run(t, "schema")
	require.NoError(t, err)

	assert.Contains(t, out, "Openings:reference_list->Opening")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 5)
}

func TestCLI_MetricsEndpoint(t *testing.T) {
	env := newCLIEnv(t)
	t.Setenv("OTEL_METRICS_EXPORTER", "prometheus")

	rt := &runtime{flags: globalFlags{
		dbPath:      env.db,
		schemaPath:  env.schema,
		metricsAddr: "127.0.0.1:0",
	}}
	ctx := context.Background()
	require.NoError(t, rt.open(ctx))
	defer func() { require.NoError(t, rt.close(ctx)) }()

	_, err := rt.svc.Query(ctx, modelstore.Request{Query: []byte(`{}`)}, &modelstore.CollectSink{})
	require.NoError(t, err)

	resp, err := http.Get("http://" + rt.metricsLn.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "modelstore_queries_total")
}

func TestCLI_MetricsNeedsPrometheus(t *testing.T) {
	env := newCLIEnv(t)
	_, _, err := env.run(t, "--metrics-addr", "127.0.0.1:0", "schema")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prometheus")
}

func TestDecodeObjects(t *testing.T) {
	objs, err := decodeObjects([]byte(`[{"oid": 1, "type": "Wall"}, {"oid": 2, "type": "Opening"}]`))
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, objectstore.OID(2), objs[1].OID)

	objs, err = decodeObjects([]byte(testObjects))
	require.NoError(t, err)
	require.Len(t, objs, 3)
	assert.Equal(t, []objectstore.OID{3}, objs[1].Refs["Openings"])

	for _, bad := range []string{"", "  ", "[]", `[{"oid": 1}] x`, `{"oid": 1, "kind": "Wall"}`, `{"oid": 1`} {
		_, err := decodeObjects([]byte(bad))
		assert.Error(t, err, "input %q", bad)
	}
}

func TestParseRoots(t *testing.T) {
	roots, err := parseRoots([]string{"10", " 2", ""})
	require.NoError(t, err)
	assert.Equal(t, []objectstore.OID{10, 2}, roots)

	_, err = parseRoots([]string{"0"})
	assert.Error(t, err)
	_, err = parseRoots([]string{"-3"})
	assert.Error(t, err)
}

func TestCLI_LoadFromStdin(t *testing.T) {
	env := newCLIEnv(t)

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(testObjects))
	cmd.SetArgs([]string{"--db", env.db, "--schema", env.schema, "load", "--data", "-"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "committed revision 1 (3 objects)")
}

func TestCLI_MetricsFlagRejectedAfterPrometheusRun(t *testing.T) {
	env := newCLIEnv(t)
	ctx := context.Background()

	t.Setenv("OTEL_METRICS_EXPORTER", "prometheus")
	rt := &runtime{flags: globalFlags{dbPath: env.db, schemaPath: env.schema, metricsAddr: "127.0.0.1:0"}}
	require.NoError(t, rt.open(ctx))
	require.NoError(t, rt.close(ctx))

	t.Setenv("OTEL_METRICS_EXPORTER", "none")
	_, _, err := env.run(t, "--metrics-addr", "127.0.0.1:0", "schema")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prometheus")
}
