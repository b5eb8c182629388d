package server_test

import (
	"encoding/json"
	"net/http"
	"sync"
	"testing"
)

func createTask(t *testing.T, f *fixture, from, title string) string {
	t.Helper()
	resp, body := f.postJSON(t, "/tasks", map[string]any{"from": from, "title": title})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task: status %d body %v", resp.StatusCode, body)
	}
	id, _ := body["id"].(string)
	if len(id) != 26 {
		t.Fatalf("bad task id %q", id)
	}
	return id
}

func getTask(t *testing.T, f *fixture, id string) map[string]any {
	t.Helper()
	resp, err := http.Get(f.ts.URL + "/tasks/" + id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("get task status %d", resp.StatusCode)
	}
	return decodeJSONMap(t, resp)
}

func TestTaskCreate_Validation(t *testing.T) {
	f := newFixture(t)

	resp, body := f.postJSON(t, "/tasks", map[string]any{"from": "u"})
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "title is required" {
		t.Fatalf("expected title error, got %d %v", resp.StatusCode, body)
	}

	resp, body = f.postJSON(t, "/tasks", map[string]any{"title": "x"})
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "from is required" {
		t.Fatalf("expected from error, got %d %v", resp.StatusCode, body)
	}

	// created_by is accepted in place of from.
	resp, _ = f.postJSON(t, "/tasks", map[string]any{"created_by": "u", "title": "x"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected created_by accepted, got %d", resp.StatusCode)
	}
}

func TestTaskLifecycle_EventsOnTaskChannel(t *testing.T) {
	f := newFixture(t)
	sub := subscribeSSE(t, f.ts.URL+"/ch/tasks", "")
	waitForSubscribers(t, f.hub, 1)

	id := createTask(t, f, "a1", "do the thing")

	resp, body := f.postJSON(t, "/tasks/"+id+"/claim", map[string]any{"from": "a1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d %v", resp.StatusCode, body)
	}
	if body["status"] != "claimed" || body["claimed-by"] != "a1" {
		t.Fatalf("unexpected claim response %v", body)
	}

	resp, body = f.postJSON(t, "/tasks/"+id+"/done", map[string]any{
		"from": "a1", "result": map[string]any{"ok": true},
	})
	if resp.StatusCode != http.StatusOK || body["status"] != "done" {
		t.Fatalf("done failed: %d %v", resp.StatusCode, body)
	}

	wantTypes := []string{"task.created", "task.claimed", "task.done"}
	for _, want := range wantTypes {
		_, data := sub.readFrame(t)
		var env map[string]any
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			t.Fatalf("bad event frame: %v", err)
		}
		if env["type"] != want {
			t.Fatalf("expected event %s, got %v", want, env["type"])
		}
		eventBody, _ := env["body"].(map[string]any)
		if eventBody["task-id"] != id {
			t.Fatalf("event %s missing task-id: %v", want, eventBody)
		}
		if eventBody["title"] != "do the thing" {
			t.Fatalf("event %s missing title: %v", want, eventBody)
		}
	}
}

func TestTaskClaim_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	id := createTask(t, f, "creator", "contested")

	agents := []string{"a1", "a2", "a3", "a4", "a5", "a6"}
	type result struct {
		agent  string
		status int
		body   map[string]any
	}
	results := make(chan result, len(agents))
	var wg sync.WaitGroup
	for _, agent := range agents {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			resp, body := f.postJSON(t, "/tasks/"+id+"/claim", map[string]any{"from": agent})
			results <- result{agent: agent, status: resp.StatusCode, body: body}
		}(agent)
	}
	wg.Wait()
	close(results)

	var winner string
	wins, conflicts := 0, 0
	for res := range results {
		switch res.status {
		case http.StatusOK:
			wins++
			winner = res.agent
			if res.body["claimed-by"] != res.agent {
				t.Fatalf("winner response names %v, agent was %s", res.body["claimed-by"], res.agent)
			}
		case http.StatusConflict:
			conflicts++
			if msg, _ := res.body["error"].(string); msg == "" {
				t.Fatalf("conflict without error message")
			}
		default:
			t.Fatalf("unexpected claim status %d for %s", res.status, res.agent)
		}
	}
	if wins != 1 || conflicts != len(agents)-1 {
		t.Fatalf("expected 1 winner / %d conflicts, got %d/%d", len(agents)-1, wins, conflicts)
	}

	task := getTask(t, f, id)
	if task["status"] != "claimed" || task["claimed_by"] != winner {
		t.Fatalf("row disagrees with winner: %v vs %s", task, winner)
	}
}

func TestTaskDone_OwnershipAndState(t *testing.T) {
	f := newFixture(t)
	id := createTask(t, f, "creator", "guarded")

	// done on an open task is a state conflict, not a permission failure.
	resp, _ := f.postJSON(t, "/tasks/"+id+"/done", map[string]any{"from": "a1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("done on open: expected 409, got %d", resp.StatusCode)
	}

	f.postJSON(t, "/tasks/"+id+"/claim", map[string]any{"from": "a1"})

	resp, body := f.postJSON(t, "/tasks/"+id+"/done", map[string]any{"from": "a2"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("done by non-claimant: expected 403, got %d %v", resp.StatusCode, body)
	}

	resp, body = f.postJSON(t, "/tasks/"+id+"/done", map[string]any{
		"from": "a1", "result": map[string]any{"ok": true},
	})
	if resp.StatusCode != http.StatusOK || body["status"] != "done" {
		t.Fatalf("claimant done failed: %d %v", resp.StatusCode, body)
	}

	// Terminal states reject further transitions.
	resp, _ = f.postJSON(t, "/tasks/"+id+"/claim", map[string]any{"from": "a3"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("claim on done: expected 409, got %d", resp.StatusCode)
	}
	resp, _ = f.postJSON(t, "/tasks/"+id+"/abandon", map[string]any{"from": "a1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("abandon on done: expected 409, got %d", resp.StatusCode)
	}
}

func TestTaskAbandon_ReopensAndClearsClaim(t *testing.T) {
	f := newFixture(t)
	id := createTask(t, f, "creator", "boomerang")

	f.postJSON(t, "/tasks/"+id+"/claim", map[string]any{"from": "a1"})

	resp, _ := f.postJSON(t, "/tasks/"+id+"/abandon", map[string]any{"from": "a2"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("abandon by non-claimant: expected 403, got %d", resp.StatusCode)
	}

	resp, body := f.postJSON(t, "/tasks/"+id+"/abandon", map[string]any{"from": "a1"})
	if resp.StatusCode != http.StatusOK || body["status"] != "open" {
		t.Fatalf("abandon failed: %d %v", resp.StatusCode, body)
	}

	task := getTask(t, f, id)
	if task["status"] != "open" {
		t.Fatalf("expected open, got %v", task["status"])
	}
	if _, has := task["claimed_by"]; has {
		t.Fatalf("claimed_by should be cleared, got %v", task["claimed_by"])
	}

	// Re-claimable after abandon.
	resp, _ = f.postJSON(t, "/tasks/"+id+"/claim", map[string]any{"from": "a2"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reclaim after abandon: expected 200, got %d", resp.StatusCode)
	}
}

func TestTaskUpdate_NoteIsEventOnly(t *testing.T) {
	f := newFixture(t)
	id := createTask(t, f, "creator", "noted")

	before := getTask(t, f, id)

	resp, body := f.postJSON(t, "/tasks/"+id+"/update", map[string]any{
		"from": "a1", "note": "halfway there",
	})
	if resp.StatusCode != http.StatusOK || body["id"] != id {
		t.Fatalf("update failed: %d %v", resp.StatusCode, body)
	}

	after := getTask(t, f, id)
	if after["status"] != before["status"] || after["title"] != before["title"] {
		t.Fatalf("update mutated task columns: %v -> %v", before, after)
	}
	if after["updated_at"].(float64) < before["updated_at"].(float64) {
		t.Fatalf("updated_at went backwards")
	}

	resp2, err := http.Get(f.ts.URL + "/ch/tasks/history?type=task.updated")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	lines := ndjsonLines(t, resp2)
	if len(lines) != 1 {
		t.Fatalf("expected 1 task.updated event, got %d", len(lines))
	}
	eventBody, _ := lines[0]["body"].(map[string]any)
	if eventBody["note"] != "halfway there" {
		t.Fatalf("note missing from event: %v", eventBody)
	}
}

func TestTaskInterrupt_AnnouncesWithoutMutation(t *testing.T) {
	f := newFixture(t)
	id := createTask(t, f, "creator", "busy")
	f.postJSON(t, "/tasks/"+id+"/claim", map[string]any{"from": "a1"})

	resp, body := f.postJSON(t, "/tasks/"+id+"/interrupt", map[string]any{
		"from": "boss", "reason": "priorities changed",
	})
	if resp.StatusCode != http.StatusOK || body["signalled"] != true {
		t.Fatalf("interrupt failed: %d %v", resp.StatusCode, body)
	}

	task := getTask(t, f, id)
	if task["status"] != "claimed" || task["claimed_by"] != "a1" {
		t.Fatalf("interrupt mutated the task: %v", task)
	}
}

func TestTask_UnknownID(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/tasks/01ARZ3NDEKTSV4RRFFQ69G5FAV")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	for _, op := range []string{"claim", "update", "done", "abandon", "interrupt"} {
		resp, _ := f.postJSON(t, "/tasks/01ARZ3NDEKTSV4RRFFQ69G5FAV/"+op, map[string]any{"from": "a1"})
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s on unknown task: expected 404, got %d", op, resp.StatusCode)
		}

		// The row read comes first: an unknown id is 404 even when from is
		// also missing.
		resp, _ = f.postJSON(t, "/tasks/01ARZ3NDEKTSV4RRFFQ69G5FAV/"+op, map[string]any{})
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s on unknown task without from: expected 404, got %d", op, resp.StatusCode)
		}
	}
}

func TestTaskMutation_MissingFromOnExistingTask(t *testing.T) {
	f := newFixture(t)
	id := createTask(t, f, "creator", "anon-proof")

	for _, op := range []string{"claim", "update", "done", "abandon", "interrupt"} {
		resp, body := f.postJSON(t, "/tasks/"+id+"/"+op, map[string]any{})
		if resp.StatusCode != http.StatusBadRequest || body["error"] != "from is required" {
			t.Fatalf("%s without from: expected 400 from-required, got %d %v", op, resp.StatusCode, body)
		}
	}
}

func TestTaskList_ForFilter(t *testing.T) {
	f := newFixture(t)

	assignedID := func() string {
		resp, body := f.postJSON(t, "/tasks", map[string]any{
			"from": "creator", "title": "for a1", "assigned_to": "a1",
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create: %d", resp.StatusCode)
		}
		return body["id"].(string)
	}()
	claimedID := createTask(t, f, "creator", "claimed by a1")
	f.postJSON(t, "/tasks/"+claimedID+"/claim", map[string]any{"from": "a1"})
	createTask(t, f, "creator", "unrelated")

	resp, err := http.Get(f.ts.URL + "/tasks?for=a1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()
	var tasks []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected assigned+claimed for a1, got %d", len(tasks))
	}
	seen := map[string]bool{}
	for _, task := range tasks {
		seen[task["id"].(string)] = true
	}
	if !seen[assignedID] || !seen[claimedID] {
		t.Fatalf("missing expected tasks: %v", seen)
	}
}
