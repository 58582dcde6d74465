package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/presscal/presscal/pkg/config"
	"github.com/presscal/presscal/pkg/hw"
)

func (d *Daemon) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/config", d.getConfig)
	router.PUT("/config", d.putConfig)
	router.POST("/start", d.postStart)
	router.POST("/abort", d.postAbort)
	router.POST("/zero", d.postZero)
	router.POST("/manual", d.postManual)
	router.DELETE("/manual", d.deleteManual)
	router.GET("/status", d.getStatus)
	router.GET("/result", d.getResult)
	router.GET("/events", d.getEvents)
	router.GET("/ws", d.getWS)
	router.GET("/schedule", d.getSchedule)
	router.PUT("/schedule", d.putSchedule)
	router.DELETE("/schedule", d.deleteSchedule)
	router.GET("/version", d.getVersion)

	return router
}

// Run starts the daemon: it opens the hardware gateway (or the simulator),
// launches the control loop and serves the HTTP API on a unix socket until
// SIGINT or SIGTERM. The actuators are forced to the safe state on exit.
func Run(configPath, unixSocketPath string, useSim, allowNonRoot bool) error {
	conf, err := config.NewFile(configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	logrus.Infof("config loaded from %s", configPath)

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			err := conf.Load()
			if err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			logrus.Infof("config reloaded")
		}
	}()

	var gw hw.Gateway
	if useSim {
		run, err := conf.Run()
		if err != nil {
			logrus.Fatalf("invalid configuration: %v", err)
		}
		logrus.Info("using the simulated rig")
		gw = hw.NewSim(hw.DefaultSimConfig(), run.Coefficients)
	} else {
		var err error
		gw, err = hw.NewPhysical(hw.DefaultPhysicalConfig())
		if err != nil {
			logrus.Fatalf("failed to open the hardware gateway: %v", err)
		}
	}

	d, err := NewDaemon(conf, gw)
	if err != nil {
		logrus.Fatalf("failed to initialize the daemon: %v", err)
	}
	d.StartLoop()
	d.sched.Start()

	router := d.setupRoutes()
	srv := &http.Server{
		Handler: router,
	}

	// A previous instance may have left a stale socket behind.
	_ = os.Remove(unixSocketPath)

	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(ctx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	logrus.Info("stopping scheduler")
	d.sched.Stop()

	logrus.Info("stopping control loop")
	d.StopLoop()

	logrus.Info("closing hardware gateway")
	if err := gw.Close(); err != nil {
		logrus.Errorf("failed to close hardware gateway: %v", err)
	}

	logrus.Info("exiting")
	return nil
}
