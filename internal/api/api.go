// Package api is the admin HTTP surface (SPEC_FULL.md §10.4, grounded on
// the teacher's internal/server): read-only registry/fault introspection
// plus the caller-facing pause/resume/deactivate operations, secured by
// internal/auth's Basic/JWT middleware and exposing internal/metrics'
// Prometheus handler.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dataprovider/slaved/internal/auth"
	"github.com/dataprovider/slaved/internal/faultlog"
	"github.com/dataprovider/slaved/internal/metrics"
	"github.com/dataprovider/slaved/internal/registry"
	"github.com/dataprovider/slaved/internal/slave"
	"github.com/dataprovider/slaved/internal/supervisor"
)

// Server exposes the registry and supervisor over HTTP.
type Server struct {
	reg    *registry.Registry
	sup    *supervisor.Supervisor
	faults *faultlog.Sink
	mw     *auth.Middleware
}

// NewServer wires a Server. faults may be nil (no fault-recent endpoint);
// mw may be nil (no auth enforced, for local/debug deployments).
func NewServer(reg *registry.Registry, sup *supervisor.Supervisor, faults *faultlog.Sink, mw *auth.Middleware) *Server {
	return &Server{reg: reg, sup: sup, faults: faults, mw: mw}
}

// Handler returns an http.Handler powered by gin, mirroring the teacher's
// internal/server.Router.Handler layout.
func (s *Server) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	group := g.Group("")
	if s.mw != nil {
		group.Use(s.mw.GinAuth())
	}

	group.GET("/slaves", s.handleListSlaves)
	group.GET("/slaves/:name", s.handleGetSlave)
	group.POST("/slaves/:name/pause", s.handlePause)
	group.POST("/slaves/:name/resume", s.handleResume)
	group.POST("/slaves/:name/deactivate", s.handleDeactivate)
	group.GET("/faults/:name", s.handleRecentFaults)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))

	return g
}

type errorResp struct {
	Error string `json:"error"`
}

type slaveView struct {
	Name                string    `json:"name"`
	ABI                 string    `json:"abi"`
	Secured             bool      `json:"secured"`
	Network             bool      `json:"network"`
	PkgName             string    `json:"pkg_name"`
	State               string    `json:"state"`
	PID                 int       `json:"pid"`
	RefCount            int       `json:"ref_count"`
	LoadedPackage       int       `json:"loaded_package"`
	LoadedInstance      int       `json:"loaded_instance"`
	FaultCount          int       `json:"fault_count"`
	CriticalFaultCount  int       `json:"critical_fault_count"`
	ActivatedAt         time.Time `json:"activated_at"`
	ReactivateSlave     bool      `json:"reactivate_slave"`
	ReactivateInstances bool      `json:"reactivate_instances"`
	RelaunchCount       int       `json:"relaunch_count"`
	RPCHandle           int       `json:"rpc_handle"`
}

func toView(snap slave.Snapshot) slaveView {
	return slaveView{
		Name: snap.Name, ABI: snap.ABI, Secured: snap.Secured, Network: snap.Network,
		PkgName: snap.PkgName, State: snap.State.String(), PID: snap.PID, RefCount: snap.RefCount,
		LoadedPackage: snap.LoadedPackage, LoadedInstance: snap.LoadedInstance,
		FaultCount: snap.FaultCount, CriticalFaultCount: snap.CriticalFaultCount,
		ActivatedAt: snap.ActivatedAt, ReactivateSlave: snap.ReactivateSlave,
		ReactivateInstances: snap.ReactivateInstances, RelaunchCount: snap.RelaunchCount,
		RPCHandle: snap.RPCHandle,
	}
}

func (s *Server) handleListSlaves(c *gin.Context) {
	all := s.reg.All()
	views := make([]slaveView, 0, len(all))
	for _, sl := range all {
		views = append(views, toView(sl.Snapshot()))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) lookup(c *gin.Context) *slave.Slave {
	name := c.Param("name")
	sl := s.reg.FindByName(name)
	if sl == nil {
		c.JSON(http.StatusNotFound, errorResp{Error: "slave not found"})
		return nil
	}
	return sl
}

func (s *Server) handleGetSlave(c *gin.Context) {
	sl := s.lookup(c)
	if sl == nil {
		return
	}
	c.JSON(http.StatusOK, toView(sl.Snapshot()))
}

func (s *Server) handlePause(c *gin.Context) {
	sl := s.lookup(c)
	if sl == nil {
		return
	}
	if err := s.sup.Pause(c.Request.Context(), sl, time.Now()); err != nil {
		c.JSON(http.StatusConflict, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleResume(c *gin.Context) {
	sl := s.lookup(c)
	if sl == nil {
		return
	}
	if err := s.sup.Resume(c.Request.Context(), sl, time.Now()); err != nil {
		c.JSON(http.StatusConflict, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleDeactivate(c *gin.Context) {
	sl := s.lookup(c)
	if sl == nil {
		return
	}
	if err := s.sup.Deactivate(c.Request.Context(), sl); err != nil {
		c.JSON(http.StatusConflict, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleRecentFaults(c *gin.Context) {
	if s.faults == nil {
		c.JSON(http.StatusServiceUnavailable, errorResp{Error: "fault ledger not configured"})
		return
	}
	limit := 20
	if q := c.Query("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.faults.Recent(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, records)
}

// NewHTTPServer builds a ready-to-run *http.Server around Handler, mirroring
// the teacher's internal/server.NewServer timeout defaults.
func NewHTTPServer(addr string, s *Server) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
