package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"MemeLoop-Agent/internal/agent"
	"MemeLoop-Agent/internal/journal"
	"MemeLoop-Agent/internal/observability/metrics"
	"MemeLoop-Agent/internal/rounds"
)

// Server 暴露只读状态接口：当前回合、复制状态摘要与回合日志。周期
// 由状态机自驱动，接口不接受任何写操作。
type Server struct {
	addr    string
	agent   *agent.Agent
	journal journal.Store
}

// NewServer 构造状态服务实例。journal 可以为空。
func NewServer(addr string, ag *agent.Agent, store journal.Store) *Server {
	return &Server{addr: addr, agent: ag, journal: store}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/journal", s.handleJournal)
	mux.HandleFunc("/api/v1/rounds", handleRounds)
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// statusResponse 是状态接口的返回体。
type statusResponse struct {
	Round        string `json:"round"`
	StakingState string `json:"staking_state"`
	KpiMet       string `json:"kpi_met,omitempty"`
	TxLoopCount  int    `json:"tx_loop_count"`
	FinalTxHash  string `json:"final_tx_hash,omitempty"`
	TokenAction  string `json:"token_action,omitempty"`
	MechResponse string `json:"mech_response,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.agent == nil {
		http.Error(w, "Agent 未初始化", http.StatusServiceUnavailable)
		return
	}

	machine := s.agent.Machine()
	sd := machine.Snapshot()
	resp := statusResponse{
		Round:        string(machine.Current()),
		StakingState: string(sd.StakingState()),
		KpiMet:       sd.KpiMet(),
		TxLoopCount:  sd.TxLoopCount(),
		FinalTxHash:  sd.FinalTxHash(),
		TokenAction:  sd.TokenAction(),
		MechResponse: sd.MechResponse(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.journal == nil {
		http.Error(w, "回合日志未启用", http.StatusServiceUnavailable)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := s.journal.ListLatest(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*journal.Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

func handleRounds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RoundNames())
}

// RoundNames 返回全部已知回合，供运维工具枚举。
func RoundNames() []string {
	ids := []rounds.RoundID{
		rounds.RoundCheckFunds,
		rounds.RoundPullMemes,
		rounds.RoundActionDecision,
		rounds.RoundActionPreparation,
		rounds.RoundSettlement,
		rounds.RoundPostTxDecision,
		rounds.RoundCallCheckpoint,
		rounds.RoundMechRequest,
		rounds.RoundMechResponse,
		rounds.RoundTransactionLoopCheck,
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	return names
}
