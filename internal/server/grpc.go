package server

import (
	"StakeLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "stakeledger.v1.StakeLedger"

const maxBodyBytes = 1 << 20

// GRPCServer wraps the gRPC server and the HTTP gateway in front of it.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       LedgerServer
	auth          *Authenticator
	healthChecker *observability.HealthChecker
	healthServer  *health.Server
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the ledger service.
type ServerDeps struct {
	Ingest        Submitter
	Queries       Queries
	EventLog      EventLog
	Rebuild       func(ctx context.Context) error
	Auth          *Authenticator
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

// NewGRPCServer creates a gRPC server with the ledger, health and reflection
// services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	var opts []grpc.ServerOption
	if deps.Auth != nil {
		opts = append(opts, grpc.ChainUnaryInterceptor(deps.Auth.UnaryInterceptor()))
	}
	grpcServer := grpc.NewServer(opts...)

	svc := &ledgerService{
		ingest:   deps.Ingest,
		queries:  deps.Queries,
		eventLog: deps.EventLog,
		rebuild:  deps.Rebuild,
		logger:   deps.Logger,
	}
	RegisterLedgerServer(grpcServer, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		service:       svc,
		auth:          deps.Auth,
		healthChecker: deps.HealthChecker,
		healthServer:  healthServer,
		logger:        deps.Logger,
	}
}

// SetServing flips the gRPC health status of the ledger service.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus(ServiceName, st)
	s.healthServer.SetServingStatus("", st)
}

// RegisterLedgerServer registers srv under ServiceName. Messages use the JSON
// codec, so there are no generated stubs.
func RegisterLedgerServer(r grpc.ServiceRegistrar, srv LedgerServer) {
	r.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*LedgerServer)(nil),
		Methods: []grpc.MethodDesc{
			unary("SubmitCommand", LedgerServer.SubmitCommand),
			unary("GetPoolStatus", LedgerServer.GetPoolStatus),
			unary("GetExchangeRate", LedgerServer.GetExchangeRate),
			unary("GetUnstakeQueue", LedgerServer.GetUnstakeQueue),
			unary("GetBalances", LedgerServer.GetBalances),
			unary("ListSettlements", LedgerServer.ListSettlements),
			unary("ListJournals", LedgerServer.ListJournals),
			unary("VerifyIntegrity", LedgerServer.VerifyIntegrity),
			unary("RebuildProjections", LedgerServer.RebuildProjections),
			unary("GetEventLogInfo", LedgerServer.GetEventLogInfo),
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "stakeledger/v1/ledger.json",
	}, srv)
}

func unary[Req, Resp any](method string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			impl := srv.(LedgerServer)
			if interceptor == nil {
				return call(impl, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				typed, ok := req.(*Req)
				if !ok {
					return nil, status.Error(codes.InvalidArgument, "invalid request type")
				}
				return call(impl, ctx, typed)
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the gRPC server on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// Handler builds the HTTP/JSON surface: the gateway routes plus /healthz and
// /readyz. Gateway routes call the service directly with the same auth and
// error mapping as gRPC.
func (s *GRPCServer) Handler() (http.Handler, error) {
	gw := runtime.NewServeMux()
	if err := s.registerRoutes(gw); err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", gw)
	return httpMux, nil
}

// StartHTTPGateway starts the HTTP gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return fmt.Errorf("register gateway routes: %w", err)
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type routeFunc func(ctx context.Context, r *http.Request, params map[string]string) (any, error)

func (s *GRPCServer) registerRoutes(gw *runtime.ServeMux) error {
	routes := []struct {
		method, pattern string
		call            routeFunc
	}{
		{http.MethodPost, "/v1/commands/{event_type}", s.httpCommand},
		{http.MethodGet, "/v1/pool", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return s.service.GetPoolStatus(ctx, &Empty{})
		}},
		{http.MethodGet, "/v1/exchange_rate", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return s.service.GetExchangeRate(ctx, &Empty{})
		}},
		{http.MethodGet, "/v1/unstake_queue", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			return s.service.GetUnstakeQueue(ctx, &QueueRequest{Account: r.URL.Query().Get("account")})
		}},
		{http.MethodGet, "/v1/accounts/{account}/balances", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			return s.service.GetBalances(ctx, &AccountRequest{Account: p["account"]})
		}},
		{http.MethodGet, "/v1/accounts/{account}/journals", s.httpJournals},
		{http.MethodGet, "/v1/settlements", s.httpSettlements},
		{http.MethodGet, "/v1/admin/integrity", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return s.service.VerifyIntegrity(ctx, &Empty{})
		}},
		{http.MethodPost, "/v1/admin/rebuild", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return s.service.RebuildProjections(ctx, &Empty{})
		}},
		{http.MethodGet, "/v1/admin/event_log", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return s.service.GetEventLogInfo(ctx, &Empty{})
		}},
	}

	for _, rt := range routes {
		call := rt.call
		err := gw.HandlePath(rt.method, rt.pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			ctx := r.Context()
			if s.auth != nil {
				var err error
				if ctx, err = s.auth.authenticate(ctx, r.Header.Get("Authorization")); err != nil {
					writeError(w, err)
					return
				}
			}
			resp, err := call(ctx, r, params)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})
		if err != nil {
			return fmt.Errorf("%s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

func (s *GRPCServer) httpCommand(ctx context.Context, r *http.Request, params map[string]string) (any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
	}
	return s.service.SubmitCommand(ctx, &CommandRequest{EventType: params["event_type"], Payload: body})
}

func (s *GRPCServer) httpJournals(ctx context.Context, r *http.Request, params map[string]string) (any, error) {
	q := r.URL.Query()
	req := &JournalsRequest{Account: params["account"]}
	var err error
	if req.Limit, err = intParam(q.Get("limit")); err != nil {
		return nil, err
	}
	if v := q.Get("before_sequence"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid before_sequence: %v", err)
		}
		req.BeforeSequence = &seq
	}
	return s.service.ListJournals(ctx, req)
}

func (s *GRPCServer) httpSettlements(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
	q := r.URL.Query()
	req := &SettlementsRequest{}
	var err error
	if req.Limit, err = intParam(q.Get("limit")); err != nil {
		return nil, err
	}
	if v := q.Get("before_era"); v != "" {
		era, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid before_era: %v", err)
		}
		e := uint32(era)
		req.BeforeEra = &e
	}
	return s.service.ListSettlements(ctx, req)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid limit: %v", err)
	}
	return n, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(toStatus(err))
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{
		Code:    st.Code().String(),
		Message: st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
