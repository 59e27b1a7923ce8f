// Package http provides the HTTP binding of the CSE: the request-primitive
// endpoint, the outbound notification client and originator authentication.
package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/onem2m/cse/internal/m2m"
)

// Processor executes request primitives. The dispatcher implements it.
type Processor interface {
	Process(req *m2m.Request) *m2m.Response
}

// ServerConfig carries the binding settings.
type ServerConfig struct {
	Port string

	// AuthMode is "none", "token" or "apikey".
	AuthMode string

	// AuthSecret is the HMAC secret for token mode.
	AuthSecret string

	// APIKeys maps an API key to the originator it authenticates.
	APIKeys map[string]string
}

// Server is the HTTP binding.
type Server struct {
	cfg  ServerConfig
	e    *echo.Echo
	proc Processor
	log  zerolog.Logger
}

// NewServer builds the echo application: middleware, the notification
// receiver endpoints and the primitive routes.
func NewServer(cfg ServerConfig, proc Processor, wsHandler echo.HandlerFunc, metricsHandler http.Handler, log zerolog.Logger) *Server {
	s := &Server{
		cfg:  cfg,
		e:    echo.New(),
		proc: proc,
		log:  log.With().Str("component", "http").Logger(),
	}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.Use(echomw.Recover())
	s.e.Use(RequestLogger(s.log))
	switch cfg.AuthMode {
	case "token":
		s.e.Use(TokenAuth(cfg.AuthSecret))
	case "apikey":
		s.e.Use(APIKeyAuth(cfg.APIKeys))
	}

	s.e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if metricsHandler != nil {
		s.e.GET("/metrics", echo.WrapHandler(metricsHandler))
	}
	if wsHandler != nil {
		s.e.GET("/ws", wsHandler)
	}
	s.e.Any("/*", s.handlePrimitive)
	return s
}

// Start runs the listener until Shutdown.
func (s *Server) Start() error {
	return s.e.Start(":" + s.cfg.Port)
}

// Echo exposes the underlying echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.e }

// Close shuts the listener down.
func (s *Server) Close() error { return s.e.Close() }

// handlePrimitive translates an HTTP request into a oneM2M request
// primitive, dispatches it and writes the response envelope back.
func (s *Server) handlePrimitive(c echo.Context) error {
	req, err := s.buildRequest(c)
	if err != nil {
		rsp := m2m.ErrorResponse("", err)
		return writeResponse(c, rsp)
	}
	rsp := s.proc.Process(req)
	return writeResponse(c, rsp)
}

func (s *Server) buildRequest(c echo.Context) (*m2m.Request, error) {
	var op m2m.Operation
	switch c.Request().Method {
	case http.MethodPost:
		op = m2m.OpCreate
	case http.MethodGet:
		op = m2m.OpRetrieve
	case http.MethodPut, http.MethodPatch:
		op = m2m.OpUpdate
	case http.MethodDelete:
		op = m2m.OpDelete
	default:
		return nil, m2m.ErrBadRequest("unsupported method %s", c.Request().Method)
	}

	target := strings.TrimPrefix(c.Request().URL.Path, "/")
	// The HTTP binding spells SP-relative targets as ~/... and absolute
	// targets as _/...
	switch {
	case strings.HasPrefix(target, "~/"):
		target = target[1:]
	case strings.HasPrefix(target, "_/"):
		target = "/" + target[1:]
	}

	req := &m2m.Request{
		Op:   op,
		To:   target,
		From: c.Request().Header.Get("X-M2M-Origin"),
		RQI:  c.Request().Header.Get("X-M2M-RI"),
		RVI:  c.Request().Header.Get("X-M2M-RVI"),
	}
	if req.RQI == "" {
		req.RQI = uuid.NewString()
	}

	if op == m2m.OpCreate {
		ty, err := typeFromContentType(c.Request().Header.Get(echo.HeaderContentType))
		if err != nil {
			return nil, err
		}
		req.Ty = ty
	}
	if op == m2m.OpCreate || op == m2m.OpUpdate {
		var pc map[string]any
		if err := c.Bind(&pc); err != nil {
			return nil, m2m.ErrBadRequest("malformed primitive content: %v", err)
		}
		req.PC = pc
	}

	if fc := filterCriteriaFromQuery(c); fc != nil {
		req.FC = fc
		if fc.FilterUsage == 1 && op == m2m.OpRetrieve {
			req.Op = m2m.OpDiscovery
		}
	}
	return req, nil
}

// typeFromContentType extracts the ty parameter of a oneM2M Content-Type
// header ("application/json;ty=4").
func typeFromContentType(ct string) (m2m.ResourceType, error) {
	for _, part := range strings.Split(ct, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "ty=") {
			n, err := strconv.Atoi(part[3:])
			if err != nil {
				return 0, m2m.ErrBadRequest("invalid ty parameter %q", part)
			}
			return m2m.ResourceType(n), nil
		}
	}
	return 0, m2m.ErrBadRequest("CREATE requires a ty parameter in Content-Type")
}

// filterCriteriaFromQuery parses the discovery filter from query
// parameters. Returns nil when the request carries none.
func filterCriteriaFromQuery(c echo.Context) *m2m.FilterCriteria {
	q := c.QueryParams()
	if len(q) == 0 {
		return nil
	}
	fc := &m2m.FilterCriteria{Attributes: map[string]string{}}
	found := false
	for key, values := range q {
		if len(values) == 0 {
			continue
		}
		v := values[0]
		found = true
		switch key {
		case "fu":
			fc.FilterUsage, _ = strconv.Atoi(v)
		case "ty":
			for _, tv := range values {
				if n, err := strconv.Atoi(tv); err == nil {
					fc.Ty = append(fc.Ty, m2m.ResourceType(n))
				}
			}
		case "crb":
			fc.CreatedBefore = v
		case "cra":
			fc.CreatedAfter = v
		case "ms":
			fc.ModifiedSince = v
		case "lbl":
			fc.Labels = append(fc.Labels, values...)
		case "lvl":
			fc.Level, _ = strconv.Atoi(v)
		case "lim":
			fc.Limit, _ = strconv.Atoi(v)
		case "ofst":
			fc.Offset, _ = strconv.Atoi(v)
		case "fo":
			fc.FilterOperation = v
		default:
			fc.Attributes[key] = v
		}
	}
	if !found {
		return nil
	}
	return fc
}

// writeResponse maps a response envelope onto the HTTP response.
func writeResponse(c echo.Context, rsp *m2m.Response) error {
	c.Response().Header().Set("X-M2M-RSC", strconv.Itoa(int(rsp.RSC)))
	if rsp.RQI != "" {
		c.Response().Header().Set("X-M2M-RI", rsp.RQI)
	}
	status := rsp.RSC.HTTPStatus()
	if rsp.PC != nil {
		return c.JSON(status, rsp.PC)
	}
	if rsp.Dbg != "" {
		return c.JSON(status, map[string]any{"m2m:dbg": rsp.Dbg})
	}
	return c.NoContent(status)
}

// RequestLogger logs each primitive exchange in the structured form the rest
// of the CSE uses.
func RequestLogger(log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			evt := log.Debug()
			if c.Response().Status >= http.StatusInternalServerError {
				evt = log.Warn()
			}
			evt.Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Str("originator", c.Request().Header.Get("X-M2M-Origin")).
				Int("status", c.Response().Status).
				Msg("request")
			return err
		}
	}
}
