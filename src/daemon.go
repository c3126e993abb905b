package main

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/OpenTollGate/tollgate-module-apmux-go/src/apmux"
	"github.com/OpenTollGate/tollgate-module-apmux-go/src/cli"
	"github.com/OpenTollGate/tollgate-module-apmux-go/src/config_manager"
	"github.com/OpenTollGate/tollgate-module-apmux-go/src/discovery"
	"github.com/OpenTollGate/tollgate-module-apmux-go/src/hostapd_ctrl"
	"github.com/OpenTollGate/tollgate-module-apmux-go/src/link_watcher"
	"github.com/OpenTollGate/tollgate-module-apmux-go/src/nl80211_driver"
	"github.com/coreos/go-systemd/daemon"
	"github.com/sirupsen/logrus"
	"github.com/ubuntu/decorate"
)

var daemonLogger = logrus.WithField("module", "main")

type systemdSdNotifier func(unsetEnvironment bool, state string) (bool, error)

type daemonOptions struct {
	hostap   apmux.HostapConnector
	driver   apmux.DriverConnector
	sdNotify systemdSdNotifier
}

// daemonOption tweaks how the daemon is built. Tests use it to swap the
// kernel facing collaborators.
type daemonOption func(*daemonOptions)

func withHostapConnector(c apmux.HostapConnector) daemonOption {
	return func(o *daemonOptions) { o.hostap = c }
}

func withDriverConnector(c apmux.DriverConnector) daemonOption {
	return func(o *daemonOptions) { o.driver = c }
}

func withSdNotifier(n systemdSdNotifier) daemonOption {
	return func(o *daemonOptions) { o.sdNotify = n }
}

// Daemon ties the multiplexer to its collaborators and the control socket.
type Daemon struct {
	cfg        *config_manager.Config
	manager    *apmux.Manager
	discoverer discovery.Discoverer
	events     *cli.EventLog
	server     *cli.CLIServer
	watcher    *link_watcher.Watcher
	sdNotify   systemdSdNotifier

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

func newDaemon(cfg *config_manager.Config, args ...daemonOption) (d *Daemon, err error) {
	defer decorate.OnError(&err, "could not create daemon")

	opts := daemonOptions{
		hostap:   hostapd_ctrl.NewConnector(cfg.HostapdCtrlDir, cfg.SocketDir, cfg.HostapdRequestTimeout),
		driver:   nl80211_driver.NewConnector(cfg.DriverVendorOUI),
		sdNotify: daemon.SdNotify,
	}
	for _, f := range args {
		f(&opts)
	}

	if err := os.MkdirAll(cfg.SocketDir, 0755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	discoverer, err := discovery.New(cfg.DiscoveryOptions())
	if err != nil {
		return nil, err
	}

	manager, err := apmux.NewManager(cfg.ManagerConfig(), opts.hostap, opts.driver)
	if err != nil {
		return nil, err
	}

	events := cli.NewEventLog(cfg.RecentEvents)
	d = &Daemon{
		cfg:        cfg,
		manager:    manager,
		discoverer: discoverer,
		events:     events,
		server:     cli.NewCLIServer(cfg.CLISocketPath, manager, discoverer, events),
		sdNotify:   opts.sdNotify,
		quit:       make(chan struct{}),
	}
	if cfg.LinkWatch {
		d.watcher = link_watcher.New(manager)
	}
	return d, nil
}

// Serve brings everything up, reports readiness to systemd and blocks until
// Quit is called.
func (d *Daemon) Serve() (err error) {
	defer decorate.OnError(&err, "daemon stopped with error")

	if err := d.server.Start(); err != nil {
		return errors.Join(err, d.manager.Close())
	}

	d.attachVAPs()

	if d.cfg.AttachDriver {
		if err := d.manager.AttachDriver(d.events.VendorCallback(), d.events.NonVendorCallback()); err != nil {
			daemonLogger.WithError(err).Warn("Driver session not attached")
		}
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			daemonLogger.WithError(err).Warn("Link watcher not started")
		} else {
			d.wg.Add(1)
			go d.recordLinkEvents()
		}
	}

	if sent, err := d.sdNotify(false, daemon.SdNotifyReady); err != nil {
		daemonLogger.WithError(err).Warn("Could not notify systemd")
	} else if sent {
		daemonLogger.Debug("Ready state sent to systemd")
	}

	daemonLogger.WithFields(logrus.Fields{
		"socket":   d.server.SocketPath(),
		"delivery": d.cfg.EventDelivery,
	}).Info("apmux is ready")

	<-d.quit

	if _, err := d.sdNotify(false, daemon.SdNotifyStopping); err != nil {
		daemonLogger.WithError(err).Debug("Could not notify systemd")
	}
	return d.shutdown()
}

// attachVAPs attaches the configured VAPs, or every discovered one when
// none are configured.
func (d *Daemon) attachVAPs() {
	names := append([]string(nil), d.cfg.AutoAttachVAPs...)
	if len(names) == 0 {
		vaps, err := d.discoverer.Discover()
		if err != nil {
			daemonLogger.WithError(err).Warn("VAP discovery failed")
		}
		for _, v := range vaps {
			names = append(names, v.Name)
		}
	}

	for _, name := range names {
		err := d.manager.AttachHostap(name, d.events.HostapCallback(nil))
		if err != nil && !apmux.IsAlreadyUp(err) {
			daemonLogger.WithError(err).WithField("vap", name).Warn("Failed to attach VAP")
		}
	}
	daemonLogger.WithField("vaps", names).Info("Attached VAPs")
}

func (d *Daemon) recordLinkEvents() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case ev := <-d.watcher.Events():
			state := "down"
			if ev.Up {
				state = "up"
			}
			d.events.Add(cli.EventEntry{
				Timestamp: ev.Timestamp,
				Kind:      "link",
				Interface: ev.Name,
				Message:   state,
			})
		}
	}
}

// Quit makes Serve return.
func (d *Daemon) Quit() {
	d.quitOnce.Do(func() { close(d.quit) })
}

func (d *Daemon) shutdown() error {
	var errs []error
	if d.watcher != nil {
		errs = append(errs, d.watcher.Stop())
	}
	d.wg.Wait()
	errs = append(errs, d.server.Stop(), d.manager.Close())
	daemonLogger.Info("apmux stopped")
	return errors.Join(errs...)
}
