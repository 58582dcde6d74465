package daemon

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/presscal/presscal/pkg/config"
	"github.com/presscal/presscal/pkg/version"
)

func (d *Daemon) getConfig(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, d.conf.Raw())
}

func (d *Daemon) putConfig(c *gin.Context) {
	var u config.RawFileConfig
	if err := c.BindJSON(&u); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if err := d.UpdateConfig(&u); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, ErrRunInProgress) {
			code = http.StatusConflict
		}
		c.IndentedJSON(code, err.Error())
		_ = c.AbortWithError(code, err)
		return
	}

	logrus.Info("configuration updated")
	c.IndentedJSON(http.StatusCreated, "ok")
}

func (d *Daemon) postStart(c *gin.Context) {
	// Optional body: a partial config override applied before the run.
	var override *config.RawFileConfig
	if c.Request.ContentLength > 0 {
		var u config.RawFileConfig
		if err := c.BindJSON(&u); err != nil {
			c.IndentedJSON(http.StatusBadRequest, err.Error())
			_ = c.AbortWithError(http.StatusBadRequest, err)
			return
		}
		override = &u
	}

	if err := d.StartRun(override); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, ErrRunInProgress) {
			code = http.StatusConflict
		}
		c.IndentedJSON(code, err.Error())
		_ = c.AbortWithError(code, err)
		return
	}

	st := d.Status()
	msg := fmt.Sprintf("calibration started: %d points", st.PointCount)
	c.IndentedJSON(http.StatusCreated, msg)
}

func (d *Daemon) postAbort(c *gin.Context) {
	reason := "operator abort"
	// Optional body: a plain JSON string with the abort reason.
	var r string
	if err := c.BindJSON(&r); err == nil && r != "" {
		reason = r
	}

	if err := d.AbortRun(reason); err != nil {
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, "ok")
}

func (d *Daemon) postZero(c *gin.Context) {
	if err := d.Tare(); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, ErrRunInProgress) {
			code = http.StatusConflict
		}
		c.IndentedJSON(code, err.Error())
		_ = c.AbortWithError(code, err)
		return
	}
	c.IndentedJSON(http.StatusOK, d.Status().PZeroKPa)
}

func (d *Daemon) postManual(c *gin.Context) {
	var sp float64
	if err := c.BindJSON(&sp); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if err := d.Manual(sp); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, ErrRunInProgress) {
			code = http.StatusConflict
		}
		c.IndentedJSON(code, err.Error())
		_ = c.AbortWithError(code, err)
		return
	}

	logrus.Infof("manual hold at %.2f kPa", sp)
	c.IndentedJSON(http.StatusCreated, "ok")
}

func (d *Daemon) deleteManual(c *gin.Context) {
	if err := d.StopManual(); err != nil {
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, "ok")
}

func (d *Daemon) getStatus(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, d.Status())
}

func (d *Daemon) getResult(c *gin.Context) {
	res := d.LastResult()
	if res == nil {
		c.IndentedJSON(http.StatusNotFound, ErrNoResult.Error())
		return
	}
	c.IndentedJSON(http.StatusOK, res)
}

func (d *Daemon) getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}

// getEvents streams daemon events over SSE until the client disconnects.
func (d *Daemon) getEvents(c *gin.Context) {
	ch := d.hub.Subscribe()
	defer d.hub.Unsubscribe(ch)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")

	c.Stream(func(_ io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, string(ev.Data))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

var wsUpgrader = websocket.Upgrader{
	// The API is served over a local unix socket, origin checks do not apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

// getWS upgrades to a websocket that receives the periodic status broadcast.
func (d *Daemon) getWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	client := d.wsHub.Add(conn)
	_ = client.Send(WSMessage{Type: "status", Data: d.Status()})

	// Inbound frames are ignored; the read loop only detects disconnects.
	go func() {
		defer d.wsHub.Remove(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

type schedulePayload struct {
	Cron string `json:"cron"`
}

type scheduleStatus struct {
	Cron    string `json:"cron,omitempty"`
	NextRun string `json:"nextRun,omitempty"`
	Active  bool   `json:"active"`
}

func (d *Daemon) putSchedule(c *gin.Context) {
	var p schedulePayload
	if err := c.BindJSON(&p); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if err := d.sched.Schedule(p.Cron); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}
	d.sched.Start()
	c.IndentedJSON(http.StatusCreated, "ok")
}

func (d *Daemon) getSchedule(c *gin.Context) {
	expr, next, ok := d.sched.Next()
	st := scheduleStatus{Active: ok}
	if ok {
		st.Cron = expr
		st.NextRun = next.Format(time.RFC3339)
	}
	c.IndentedJSON(http.StatusOK, st)
}

func (d *Daemon) deleteSchedule(c *gin.Context) {
	d.sched.Clear()
	c.IndentedJSON(http.StatusOK, "ok")
}
