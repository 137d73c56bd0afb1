package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type StepResult struct {
	Name      string `json:"name"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

type Report struct {
	SSEURL     string       `json:"sse_url"`
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	DurationMs int64        `json:"duration_ms"`
	Steps      []StepResult `json:"steps"`
	Passed     bool         `json:"passed"`
}

// toolResult is the subset of tool output the checks look at.
type toolResult struct {
	Entity *struct {
		ID            string                                `json:"id"`
		Attributes    map[string][]map[string]any           `json:"attributes"`
		Relationships map[string]struct{ Direction string } `json:"relationships"`
	} `json:"entity"`
	Nodes []string `json:"nodes"`
	Found bool     `json:"found"`
}

func main() {
	sseURL := flag.String("sse-url", "http://localhost:8080/sse", "SSE endpoint URL")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{Name: "integration-tester", Version: "dev"}, nil)
	transport := mcp.NewSSEClientTransport(*sseURL, nil)

	start := time.Now()
	// ids are unique per run so the tester can target a long-lived server
	run := uuid.NewString()[:8]
	report := Report{SSEURL: *sseURL, RunID: run, StartedAt: start}

	tConn := time.Now()
	session, err := client.Connect(ctx, transport)
	if err != nil {
		report.Steps = []StepResult{{Name: "connect", Error: err.Error(), ElapsedMs: elapsedMsSince(tConn)}}
		finish(report)
	}
	defer session.Close()
	steps := []StepResult{{Name: "connect", Success: true, ElapsedMs: elapsedMsSince(tConn)}}

	emp, mgr := "emp-"+run, "mgr-"+run
	steps = append(steps,
		step("list_tools", func() error {
			_, err := session.ListTools(ctx, &mcp.ListToolsParams{})
			return err
		}),
		step("create_manager", func() error {
			_, err := call(ctx, session, "create_entity", map[string]any{"entity": person(mgr, "Grace", nil)})
			return err
		}),
		step("create_employee", func() error {
			_, err := call(ctx, session, "create_entity", map[string]any{"entity": person(emp, "Alan", map[string]any{
				"reports": map[string]any{"relatedEntityId": mgr, "name": "reports_to", "startTime": "2024-01-01T00:00:00Z"},
			})})
			return err
		}),
		step("raise_salary", func() error {
			_, err := call(ctx, session, "update_entity", map[string]any{"id": emp, "entity": map[string]any{
				"attributes": map[string]any{"salary": []any{map[string]any{"startTime": "2024-07-01T00:00:00Z", "value": 110000}}},
			}})
			return err
		}),
		step("salary_in_march", func() error { return expectSalary(ctx, session, emp, "2024-03-15T00:00:00Z", 100000) }),
		step("salary_in_august", func() error { return expectSalary(ctx, session, emp, "2024-08-01T00:00:00Z", 110000) }),
		step("incoming_relationship", func() error {
			res, err := call(ctx, session, "read_entity", map[string]any{"id": mgr, "output": []string{"relationships"}})
			if err != nil {
				return err
			}
			if res.Entity == nil || res.Entity.Relationships["reports"].Direction != "incoming" {
				return fmt.Errorf("manager does not see an incoming reports_to relationship")
			}
			return nil
		}),
		step("query_entities", func() error {
			_, err := call(ctx, session, "query_entities", map[string]any{"kindMajor": "Person", "metadata": map[string]any{"run": run}})
			return err
		}),
		step("traverse", func() error {
			_, err := call(ctx, session, "traverse", map[string]any{"id": emp, "maxDepth": 2})
			return err
		}),
		step("shortest_path", func() error {
			res, err := call(ctx, session, "shortest_path", map[string]any{"from": mgr, "to": emp, "direction": "both"})
			if err != nil {
				return err
			}
			if !res.Found || len(res.Nodes) != 2 {
				return fmt.Errorf("expected a one-hop path, got %v", res.Nodes)
			}
			return nil
		}),
		step("delete_employee", func() error {
			_, err := call(ctx, session, "delete_entity", map[string]any{"id": emp})
			return err
		}),
		step("delete_manager", func() error {
			_, err := call(ctx, session, "delete_entity", map[string]any{"id": mgr})
			return err
		}),
		step("health_check", func() error {
			_, err := call(ctx, session, "health_check", map[string]any{})
			return err
		}),
	)

	report.Steps = steps
	report.Passed = true
	for _, s := range steps {
		if !s.Success {
			report.Passed = false
			break
		}
	}
	finish(report)
}

func person(id, name string, rels map[string]any) map[string]any {
	e := map[string]any{
		"id":       id,
		"kind":     map[string]any{"major": "Person", "minor": "Employee"},
		"created":  "2024-01-01T00:00:00Z",
		"name":     map[string]any{"startTime": "2024-01-01T00:00:00Z", "value": name},
		"metadata": map[string]any{"run": id[len(id)-8:]},
		"attributes": map[string]any{
			"salary": []any{map[string]any{"startTime": "2024-01-01T00:00:00Z", "value": 100000}},
		},
	}
	if rels != nil {
		e["relationships"] = rels
	}
	return e
}

func expectSalary(ctx context.Context, session *mcp.ClientSession, id, at string, want float64) error {
	res, err := call(ctx, session, "read_entity", map[string]any{"id": id, "output": []string{"attributes"}, "activeAt": at})
	if err != nil {
		return err
	}
	if res.Entity == nil || len(res.Entity.Attributes["salary"]) != 1 {
		return fmt.Errorf("expected one salary version active at %s", at)
	}
	if got, _ := res.Entity.Attributes["salary"][0]["value"].(float64); got != want {
		return fmt.Errorf("salary at %s = %v, want %v", at, res.Entity.Attributes["salary"][0]["value"], want)
	}
	return nil
}

// call invokes a tool and decodes its structured content. Tool errors are
// returned as Go errors.
func call(ctx context.Context, session *mcp.ClientSession, tool string, args map[string]any) (*toolResult, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: json.RawMessage(raw)})
	if err != nil {
		return nil, err
	}
	if res.IsError {
		msg := tool + " returned an error"
		if len(res.Content) > 0 {
			if tc, ok := res.Content[0].(*mcp.TextContent); ok {
				msg = tc.Text
			}
		}
		return nil, fmt.Errorf("%s", msg)
	}
	var out toolResult
	if res.StructuredContent != nil {
		b, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

func step(name string, fn func() error) StepResult {
	t0 := time.Now()
	res := StepResult{Name: name, Success: true}
	if err := fn(); err != nil {
		res.Success = false
		res.Error = err.Error()
	}
	res.ElapsedMs = elapsedMsSince(t0)
	return res
}

func finish(report Report) {
	report.DurationMs = elapsedMsSince(report.StartedAt)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
	if !report.Passed {
		os.Exit(1)
	}
}

func elapsedMsSince(t time.Time) int64 { return time.Since(t).Milliseconds() }
