package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"nuha.dev/groupshare/internal/config"
	"nuha.dev/groupshare/internal/credential"
	"nuha.dev/groupshare/internal/logqueue"
	"nuha.dev/groupshare/internal/metrics"
	"nuha.dev/groupshare/internal/mirror"
	"nuha.dev/groupshare/internal/osmo/codec"
	"nuha.dev/groupshare/internal/osmo/conn"
	"nuha.dev/groupshare/internal/osmo/engine"
	"nuha.dev/groupshare/internal/reach"
	"nuha.dev/groupshare/internal/session"
	"nuha.dev/groupshare/internal/store/impl/logstore"
	"nuha.dev/groupshare/internal/store/impl/pgstore"
	"nuha.dev/groupshare/internal/webapp"
	"nuha.dev/groupshare/internal/webapp/webstream"
)

func runCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the server and serve the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.New(), *cfgFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, c)
		},
	}
}

func setupLogging(level string) {
	log.DefaultLogger.Level = log.ParseLevel(level)
	if zl, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(zl)
	}
}

func run(ctx context.Context, c *config.Config) error {
	setupLogging(c.Log.Level)
	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "main").Value()

	var wg sync.WaitGroup
	defer wg.Wait()
	bg, cancel := context.WithCancel(context.Background())
	defer cancel()
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(bg)
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	q := logqueue.NewQueue(logqueue.Config{BufSize: c.Log.BufSize, TimerDur: c.Log.TimerDur, Capacity: c.Log.Capacity, History: c.Log.History})
	q.OnDrop(m.LogDropped)
	spawn(q.Run)

	var creds credential.Provider
	if c.Device.CredentialURL != "" {
		p, err := credential.NewHTTPProvider(credential.HTTPConfig{URL: c.Device.CredentialURL, AppKey: c.Device.AppKey, DeviceID: c.Device.ID, Timeout: c.Device.Timeout})
		if err != nil {
			return err
		}
		logger.Info().Str("device_id", p.DeviceID()).Msg("using credential service")
		creds = p
	} else {
		creds = credential.Static{Cred: credential.Credential{DeviceKey: c.Device.Key, Address: c.Device.Address, Token: c.Device.Token}}
	}

	var monitor reach.Monitor
	if c.Reach.WANAddr != "" {
		p := reach.NewProber(reach.ProberConfig{WANAddr: c.Reach.WANAddr, LocalAddr: c.Reach.LocalAddr, Interval: c.Reach.Interval, Timeout: c.Reach.Timeout})
		p.Check(ctx)
		spawn(p.Run)
		monitor = p
	} else {
		monitor = reach.NewStatic(reach.ReachableWAN)
	}

	tr := conn.NewTransport(conn.Config{TLS: c.Server.TLS, DialTimeout: c.Server.DialTimeout, QueueSize: c.Server.QueueSize})
	tr.OnDrop(m.FrameDropped)
	eng, err := engine.NewEngine(tr, engine.Config{
		SessionHost: c.Server.SessionHost,
		SystemInfo:  engine.DefaultSystemInfo("groupshare", version),
		Node:        c.Server.Node,
	}, m, q)
	if err != nil {
		return err
	}
	mgr, err := session.NewManager(eng, creds, monitor, session.Config{
		ReconnectLimit: rate.Limit(c.Reconnect.Limit),
		ReconnectBurst: c.Reconnect.Burst,
	}, m, q)
	if err != nil {
		return err
	}

	if c.DB.URL != "" {
		pool, err := pgxpool.Connect(ctx, c.DB.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		st := pgstore.NewStore(pool, c.DB.Table, &pgstore.StoreConfig{BufSize: c.DB.BufSize, MaxAgeFlush: c.DB.MaxAgeFlush})
		spawn(st.Run)
		mgr.MonitoringUpdated.Add(func(coords []codec.UserGroupCoordinate) {
			st.Put(coords, time.Now().UTC())
		})
		if c.DB.SaveGroupList {
			misc := pgstore.NewMiscStore(pool)
			mgr.GroupList.Add(func(groups []codec.Group) {
				misc.SaveGroups(bg, groups, time.Now().UTC())
			})
		}
	} else if c.DB.Log {
		zl := zlog.With().Str("module", "logstore").Logger()
		ls := logstore.NewStore(&zl)
		mgr.MonitoringUpdated.Add(func(coords []codec.UserGroupCoordinate) {
			ls.Put(coords, time.Now().UTC())
		})
	}

	if c.Nats.URL != "" {
		nc, err := mirror.Connect(c.Nats.URL, "groupshare")
		if err != nil {
			return err
		}
		defer nc.Drain()
		mgr.MonitoringUpdated.Add(mirror.New(nc, c.Nats.Prefix).Put)
	}

	api := webapp.NewApi(mgr, reg, q, &webapp.ApiConfig{
		ListenAddr:     c.Api.Listen,
		KeyHash:        c.Api.KeyHash,
		AllowedOrigins: c.Api.AllowedOrigins,
	})
	api.Hub().Bind(webstream.SourcesOf(mgr, q))

	mgr.ConnectionRun.Add(func(r session.Result) {
		if !r.OK {
			return
		}
		mgr.GetGroups()
		if c.Monitor.OpenSession {
			mgr.OpenSession()
		}
	})
	mgr.SetMonitoringGroups(c.Monitor.Groups)
	mgr.Connect()

	logger.Info().Str("version", version).Str("listen", c.Api.Listen).Msg("groupshare started")
	err = api.Run(ctx)
	logger.Info().Msg("shutting down")
	mgr.Close()
	cancel()
	wg.Wait()
	return err
}
