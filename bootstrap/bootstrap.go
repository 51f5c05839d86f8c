// Package bootstrap performs the module-side orchestrator handshake and
// runs the dispatch loops: read the InitBlob off stdin, fetch initial
// secrets, build user state, bring up the advertised transport channels,
// spawn one receive loop per channel plus the stdin line-protocol loop,
// announce the module, and dispatch inbound control messages until
// shutdown. The spawn/announce/terminate shape mirrors the two halves of
// cborplugin: client.go's launch/reaper on the parent side and
// incoming_conn.go's command loop on the plugin side, seen here from the
// plugin's seat.
package bootstrap

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/log"

	"github.com/pywatt/pywatt-sdk-go/failover"
	"github.com/pywatt/pywatt-sdk-go/ipcproto"
	"github.com/pywatt/pywatt-sdk-go/metrics"
	"github.com/pywatt/pywatt-sdk-go/negotiation"
	"github.com/pywatt/pywatt-sdk-go/queue"
	"github.com/pywatt/pywatt-sdk-go/routing"
	"github.com/pywatt/pywatt-sdk-go/transport"
	"github.com/pywatt/pywatt-sdk-go/transport/reconnect"
)

// StateBuilder constructs the caller's application state once the InitBlob
// and initial secrets are in hand.
type StateBuilder func(ctx context.Context, init *ipcproto.InitBlob, secrets []ipcproto.SecretMessage) (interface{}, error)

// Options configures Serve. Zero values get sensible defaults; Stdin and
// Stdout exist so tests can stand in for the orchestrator.
type Options struct {
	// Router handles HTTP requests proxied over the transport. Required
	// unless the module is transport-only.
	Router http.Handler

	Preferences    transport.Preferences
	SecretSink     SecretSink
	SecretClient   SecretClient
	InitialSecrets []string

	SLA           metrics.SLAConfig
	RoutingMatrix *routing.Matrix
	RouterConfig  routing.Config
	Negotiation   negotiation.Config

	// RequestTimeout bounds SendToModule / service RPC round trips.
	RequestTimeout time.Duration
	// QueueSize bounds the outbound priority queue.
	QueueSize int

	// Endpoints announced at startup. Endpoints added later through
	// AppState.RegisterEndpoint are not announced.
	Endpoints []ipcproto.Endpoint

	// Exporter, if non-nil, mirrors channel metrics to Prometheus.
	Exporter *metrics.Exporter

	// OnReady, if set, runs in its own goroutine once the module is
	// announced and dispatching, with the AppState send-side handle.
	OnReady func(ctx context.Context, app *AppState)

	Stdin  io.Reader
	Stdout io.Writer
}

func (o Options) withDefaults() Options {
	if o.SecretSink == nil {
		o.SecretSink = discardSecrets{}
	}
	if o.SecretClient == nil {
		o.SecretClient = noSecrets{}
	}
	if o.Preferences == (transport.Preferences{}) {
		o.Preferences = transport.DefaultPreferences()
	}
	if o.SLA == (metrics.SLAConfig{}) {
		o.SLA = metrics.DefaultSLAConfig()
	}
	if o.RoutingMatrix == nil {
		o.RoutingMatrix = routing.DefaultMatrix()
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Router == nil {
		o.Router = http.NotFoundHandler()
	}
	return o
}

// TransportOnly reports whether HTTP binding is disabled for this process
// (IPC_ONLY / PYWATT_IPC_ONLY set to 1 or true, in the process env or the
// InitBlob env).
func TransportOnly(init *ipcproto.InitBlob) bool {
	check := func(v string) bool {
		v = strings.ToLower(strings.TrimSpace(v))
		return v == "1" || v == "true"
	}
	for _, key := range []string{"IPC_ONLY", "PYWATT_IPC_ONLY"} {
		if check(os.Getenv(key)) {
			return true
		}
		if init != nil && check(init.Env[key]) {
			return true
		}
	}
	return false
}

// Serve runs the full module lifecycle and blocks until shutdown. It
// returns nil on a clean shutdown signal; map other errors to an exit code
// with ExitCode.
func Serve(ctx context.Context, opts Options, build StateBuilder) error {
	opts = opts.withDefaults()
	logger := log.WithPrefix("bootstrap")
	logger.Infof("pywatt module starting, sdk %s", versioninfo.Short())

	reader := ipcproto.NewLineReader(opts.Stdin)
	writer := ipcproto.NewLineWriter(opts.Stdout)

	// Step 1: the InitBlob is the first line on stdin.
	first, err := reader.Next()
	if err != nil {
		return &InitFailedError{Err: err}
	}
	if first.Init == nil {
		return &InitFailedError{Err: errors.New("first message was not init, got op " + first.Op)}
	}
	init := first.Init
	logger.Infof("module %s initializing, listen %s", init.ModuleID, init.Listen)

	// Step 2: initial secrets, via the black-box collaborator.
	secrets, err := opts.SecretClient.FetchInitial(ctx, opts.InitialSecrets)
	if err != nil {
		return &InitFailedError{Err: err}
	}

	app := &AppState{
		log:        logger,
		init:       init,
		lineWriter: writer,
		secretSink: opts.SecretSink,
		httpRouter: opts.Router,
		router:     routing.New(opts.RoutingMatrix, opts.RouterConfig),
		mux:        queue.NewMultiplexer(opts.RequestTimeout),
		sendQueue:  queue.NewPriorityQueue(opts.QueueSize),
		alerts:     metrics.NewAlertManager(time.Minute),
		slaConfig:  opts.SLA,
		exporter:   opts.Exporter,
		channels:   make(map[transport.ChannelType]transport.Channel),
		executors:  make(map[transport.ChannelType]*failover.Executor),
		chMetrics:  make(map[transport.ChannelType]*metrics.ChannelMetrics),
		handlers:   make(map[string]MessageHandler),
		endpoints:  append([]ipcproto.Endpoint(nil), opts.Endpoints...),
	}
	app.negotiator = negotiation.New(opts.Negotiation, func(req negotiation.PortRequest) error {
		return writer.Send(ipcproto.OpPortRequest, req)
	})
	if host, port := listenHostPort(init.Listen); port > 0 {
		if err := negotiation.ValidateAddress(host, port); err != nil {
			logger.Warnf("ignoring pre-allocated listen address: %v", err)
		} else {
			app.negotiator.AdoptPreallocated(port)
		}
	}

	// The stdin line-protocol loop has to be running before any active
	// negotiation below: PortResponse lines are delivered to the negotiator
	// from here, and Negotiate blocks awaiting one. Its termination (stdin
	// close or a Shutdown message) halts the whole module (step 7).
	app.worker.Go(func() { app.stdinLoop(reader) })
	// Any early return below must halt the worker, or the stdin loop just
	// started leaks for the rest of the process's life.
	bail := func(err error) error {
		app.worker.Halt()
		if closer, ok := opts.Stdin.(io.Closer); ok {
			_ = closer.Close()
		}
		return err
	}

	// Step 2 of spec 4.4: the InitBlob carried no usable pre-allocated port
	// (a Unix listen address, or a Tcp one with an explicit dynamic port),
	// so actively request one from the orchestrator over stdout/stdin.
	if _, ok := app.negotiator.AllocatedPort(); !ok {
		port, negErr := app.negotiator.Negotiate(ctx, nil)
		var fallback *negotiation.UsingFallbackError
		switch {
		case negErr == nil, errors.As(negErr, &fallback):
			if negErr != nil {
				logger.Warnf("port negotiation: %v", negErr)
			}
			if !init.Listen.IsUnix() {
				host, _ := listenHostPort(init.Listen)
				if host == "" {
					host = "0.0.0.0"
				}
				init.Listen.Tcp = net.JoinHostPort(host, strconv.Itoa(port))
			}
			logger.Infof("negotiated port %d", port)
		default:
			return bail(&InitFailedError{Err: negErr})
		}
	}

	// Step 3: user state.
	app.userState, err = build(ctx, init, secrets)
	if err != nil {
		return bail(&InitFailedError{Err: err})
	}

	// Step 4: bring up the advertised channels permitted by preferences.
	if err := app.connectChannels(ctx, opts.Preferences); err != nil {
		return bail(err)
	}

	// Step 5: one receive loop per connected channel.
	for _, ch := range app.connectedChannels() {
		ch := ch
		app.worker.Go(func() { app.receiveLoop(ch) })
	}
	app.worker.Go(app.sendWorker)

	// Step 6: announce. A broken pipe here is logged and swallowed: losing
	// the announcement must not kill the module.
	announce := ipcproto.Announce{
		Listen:    init.Listen.String(),
		Endpoints: app.announcedEndpoints(),
	}
	if TransportOnly(init) {
		announce.Endpoints = nil
	}
	if announce.Endpoints == nil {
		announce.Endpoints = []ipcproto.Endpoint{}
	}
	if err := writer.Send(ipcproto.OpAnnounce, announce); err != nil {
		if errors.Is(err, ipcproto.ErrBrokenPipe) {
			logger.Warnf("announcement lost: %v", err)
		} else {
			logger.Warnf("announcement failed: %v", err)
		}
	}

	if opts.OnReady != nil {
		readyCtx, readyCancel := context.WithCancel(ctx)
		defer readyCancel()
		go func() {
			<-app.worker.HaltCh()
			readyCancel()
		}()
		go opts.OnReady(readyCtx, app)
	}

	select {
	case <-app.worker.HaltCh():
	case <-ctx.Done():
		app.worker.Halt()
	}

	// Unblock the stdin loop's pending read, when the reader is closable
	// (a pipe or file; the line loop cannot be interrupted mid-read
	// otherwise).
	if closer, ok := opts.Stdin.(io.Closer); ok {
		_ = closer.Close()
	}

	// Best-effort drain: give in-flight dispatches a moment to finish.
	drained := make(chan struct{})
	go func() {
		app.worker.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		logger.Warn("shutdown drain timed out")
	}

	app.sendQueue.Close()
	for _, ch := range app.connectedChannels() {
		_ = ch.Disconnect()
	}
	logger.Infof("module %s stopped", init.ModuleID)
	return nil
}

// connectChannels dials each advertised channel allowed by prefs with the
// bootstrap connect deadline. Required channels abort on failure; optional
// ones warn and continue.
func (a *AppState) connectChannels(ctx context.Context, prefs transport.Preferences) error {
	advertised := 0

	if a.init.TCPChannel != nil && prefs.UseTCP {
		advertised++
		ch := transport.NewTCPChannel(transport.TCPConfig{
			Address:    a.init.TCPChannel.Address,
			TLSEnabled: a.init.TCPChannel.TLSEnabled,
			Policy: reconnect.ExponentialBackoff{
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				Multiplier:   2,
			},
		})
		if err := a.connectOne(ctx, ch); err != nil {
			if a.init.TCPChannel.Required {
				return &RequiredChannelFailedError{ChannelType: transport.ChannelTCP, Err: err}
			}
			a.log.Warnf("optional tcp channel failed: %v", err)
		}
	}

	if a.init.IPCChannel != nil && prefs.UseIPC {
		advertised++
		ch := transport.NewIPCChannel(transport.IPCConfig{
			SocketPath: a.init.IPCChannel.SocketPath,
			Policy: reconnect.ExponentialBackoff{
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				Multiplier:   2,
			},
		})
		if err := a.connectOne(ctx, ch); err != nil {
			if a.init.IPCChannel.Required {
				return &RequiredChannelFailedError{ChannelType: transport.ChannelIPC, Err: err}
			}
			a.log.Warnf("optional ipc channel failed: %v", err)
		}
	}

	if advertised > 0 && len(a.connectedChannels()) == 0 {
		return &NoChannelsAvailableError{}
	}
	return nil
}

func (a *AppState) connectOne(ctx context.Context, ch transport.Channel) error {
	connectCtx, cancel := context.WithTimeout(ctx, transport.ConnectTimeout)
	defer cancel()
	if err := ch.Connect(connectCtx); err != nil {
		return err
	}
	a.registerChannel(ch)
	a.log.Infof("%s channel connected", ch.Type())
	return nil
}

func (a *AppState) connectedChannels() []transport.Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]transport.Channel, 0, len(a.channels))
	for _, ch := range a.channels {
		out = append(out, ch)
	}
	return out
}

// listenHostPort extracts a pre-allocated TCP host and port from the
// InitBlob's listen address; port 0 means none.
func listenHostPort(l ipcproto.ListenAddress) (string, int) {
	if l.IsUnix() || l.Tcp == "" {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(l.Tcp)
	if err != nil {
		return "", 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0
	}
	return host, port
}
