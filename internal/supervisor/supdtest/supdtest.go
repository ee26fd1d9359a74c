// Package supdtest runs an in-process fake of the external supervisor
// daemon: the same control protocol (HTTP/JSON over a unix socket), backed
// by an in-memory service table instead of real child processes. Used by
// controller and sequencer tests and for local development against a host
// without the real daemon.
package supdtest

import (
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/restartctl/internal/supervisor"
)

// Daemon is a fake supervisor daemon bound to a unix control socket.
type Daemon struct {
	mu         sync.Mutex
	socketPath string
	states     map[string]supervisor.ServiceState
	restarts   map[string]int
	failNames  map[string]string // name -> error message returned on restart

	srv *http.Server
	ln  net.Listener
}

// New builds a fake daemon with the given initial service states.
func New(socketPath string, initial map[string]supervisor.ServiceState) *Daemon {
	states := make(map[string]supervisor.ServiceState, len(initial))
	for k, v := range initial {
		states[k] = v
	}
	return &Daemon{
		socketPath: socketPath,
		states:     states,
		restarts:   make(map[string]int),
		failNames:  make(map[string]string),
	}
}

// Start creates the control socket and serves the protocol until Stop or
// a /shutdown call.
func (d *Daemon) Start() error {
	ln, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return err
	}
	d.ln = ln
	gin.SetMode(gin.TestMode)
	g := gin.New()
	g.Use(gin.Recovery())
	g.POST("/restart", d.handleRestart)
	g.GET("/status", d.handleStatus)
	g.POST("/shutdown", d.handleShutdown)
	d.srv = &http.Server{Handler: g, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = d.srv.Serve(ln) }()
	return nil
}

// Stop tears the daemon down and removes the control socket.
func (d *Daemon) Stop() {
	if d.srv != nil {
		_ = d.srv.Close()
	}
	_ = os.Remove(d.socketPath)
}

// SetState overrides a service's reported state.
func (d *Daemon) SetState(name string, st supervisor.ServiceState) {
	d.mu.Lock()
	d.states[name] = st
	d.mu.Unlock()
}

// FailRestart makes restart calls for name be rejected with msg.
func (d *Daemon) FailRestart(name, msg string) {
	d.mu.Lock()
	d.failNames[name] = msg
	d.mu.Unlock()
}

// Restarts returns how many restart calls name has received.
func (d *Daemon) Restarts(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restarts[name]
}

type okResp struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type statusResp struct {
	Services map[string]string `json:"services"`
}

func (d *Daemon) handleRestart(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, okResp{Error: "name query param required"})
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restarts[name]++
	if msg, fail := d.failNames[name]; fail {
		c.JSON(http.StatusOK, okResp{OK: false, Error: msg})
		return
	}
	if _, known := d.states[name]; !known {
		c.JSON(http.StatusOK, okResp{OK: false, Error: "unknown service " + name})
		return
	}
	d.states[name] = supervisor.StateRunning
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (d *Daemon) handleStatus(c *gin.Context) {
	name := c.Query("name")
	d.mu.Lock()
	defer d.mu.Unlock()
	out := statusResp{Services: make(map[string]string)}
	if name != "" {
		if st, ok := d.states[name]; ok {
			out.Services[name] = string(st)
		}
	} else {
		for n, st := range d.states {
			out.Services[n] = string(st)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (d *Daemon) handleShutdown(c *gin.Context) {
	c.JSON(http.StatusOK, okResp{OK: true})
	// The real daemon removes its socket on the way out; mirror that after
	// the response is flushed.
	go func() {
		time.Sleep(50 * time.Millisecond)
		d.Stop()
	}()
}
