package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/hashicorp/go-hclog"
	pb "github.com/pixperk/fencelock/api/v1"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// read side of the lock service exposed over HTTP
type Service interface {
	Inspect(context.Context, *pb.InspectRequest) (*pb.InspectResponse, error)
	Validate(context.Context, *pb.ValidateRequest) (*pb.ValidateResponse, error)
	Status(context.Context, *pb.StatusRequest) (*pb.StatusResponse, error)
}

type Server struct {
	httpServer *http.Server
	service    Service
	logger     hclog.Logger
}

func NewServer(httpAddr string, service Service, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Server{
		service: service,
		logger:  logger.Named("gateway"),
	}
	s.httpServer = &http.Server{
		Addr:    httpAddr,
		Handler: s.Handler(),
	}
	return s
}

// routes:
// GET /metrics                          prometheus scrape
// GET /v1/status                        node and backend status
// GET /v1/locks/{name}                  lock record and live lease
// GET /v1/locks/{name}/validate?owner=&token=
func (s *Server) Handler() http.Handler {
	mux := runtime.NewServeMux()

	metrics := promhttp.Handler()
	routes := []struct {
		path    string
		handler runtime.HandlerFunc
	}{
		{"/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) { metrics.ServeHTTP(w, r) }},
		{"/v1/status", s.handleStatus},
		{"/v1/locks/{name}", s.handleInspect},
		{"/v1/locks/{name}/validate", s.handleValidate},
	}
	for _, route := range routes {
		if err := mux.HandlePath(http.MethodGet, route.path, route.handler); err != nil {
			//patterns are fixed above, a failure here is a programming error
			panic(fmt.Sprintf("gateway route %s: %v", route.path, err))
		}
	}
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.service.Status(r.Context(), &pb.StatusRequest{})
	s.reply(w, resp, err)
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.service.Inspect(r.Context(), &pb.InspectRequest{LockName: params["name"]})
	s.reply(w, resp, err)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request, params map[string]string) {
	token, err := strconv.ParseUint(r.URL.Query().Get("token"), 10, 64)
	if err != nil {
		s.reply(w, nil, status.Errorf(codes.InvalidArgument, "invalid token: %v", err))
		return
	}
	resp, err := s.service.Validate(r.Context(), &pb.ValidateRequest{
		LockName:   params["name"],
		OwnerID:    r.URL.Query().Get("owner"),
		FenceToken: token,
	})
	s.reply(w, resp, err)
}

func (s *Server) reply(w http.ResponseWriter, resp any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		st := status.Convert(err)
		w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
		resp = map[string]string{"error": st.Message(), "code": st.Code().String()}
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("HTTP up", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP gateway: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
