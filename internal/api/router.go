package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)
	mux.HandleFunc("GET /v1/metrics", h.Metrics)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("POST /v1/messages", h.QueueMessage)
	mux.HandleFunc("GET /v1/messages", h.ListMessages)
	mux.HandleFunc("GET /v1/messages/{id}", h.GetMessage)
	mux.HandleFunc("PATCH /v1/messages/{id}", h.UpdateMessage)
	mux.HandleFunc("DELETE /v1/messages/{id}", h.DeleteMessage)
	mux.HandleFunc("GET /v1/messages/{id}/receipt", h.GetReceipt)
	mux.HandleFunc("POST /v1/batches", h.QueueBatch)

	mux.HandleFunc("GET /v1/queue/status", h.QueueStatus)
	mux.HandleFunc("GET /v1/config", h.GetConfig)
	mux.HandleFunc("PUT /v1/config", h.PutConfig)
	mux.HandleFunc("POST /v1/dispatch/tick", h.DispatchTick)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("message-dispatch"))
	})

	return mux
}
