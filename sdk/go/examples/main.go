package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"PhaseForge/sdk/go/phaseforge"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(phaseforge.Task{
				ID:      "task-demo",
				PhaseID: "research",
				Status:  "pending",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/tasks/task-demo/claim", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(phaseforge.Task{
			ID:              "task-demo",
			PhaseID:         "research",
			Status:          "assigned",
			AssignedAgentID: r.Header.Get("X-Agent-ID"),
		})
	})
	mux.HandleFunc("/api/v1/tasks/task-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(phaseforge.Task{
			ID:            "task-demo",
			PhaseID:       "research",
			Status:        "done",
			ResultSummary: "收集了三篇检索增强生成的综述",
			KeyLearnings:  "嵌入维度必须与集合配置一致",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := phaseforge.NewClient(srv.URL, "agent-demo", srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task, err := client.CreateTask(ctx, phaseforge.TaskSubmission{
		Description: "调研检索增强生成的常见做法",
		PhaseID:     "research",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created task %s (status=%s)\n", task.ID, task.Status)

	claimed, err := client.ClaimTask(ctx, task.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("claimed by %s\n", claimed.AssignedAgentID)

	done, err := client.CompleteTask(ctx, task.ID, "收集了三篇检索增强生成的综述", "嵌入维度必须与集合配置一致")
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s finished: %s\n", done.ID, done.ResultSummary)
}
