// derivtail follows one or more market data streams from a Deriv-style
// websocket API and prints each update to stdout, reconnecting and
// resubscribing on its own when the connection drops. With -mock it runs
// against a built-in local server instead of a real endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aswathy-deriv/deriv-api-client/pkg/apiconn"
	"github.com/aswathy-deriv/deriv-api-client/pkg/apimock"
	"github.com/aswathy-deriv/deriv-api-client/pkg/apimux"
	"github.com/sammck-go/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	server := flag.String("server", "", "websocket API endpoint")
	appID := flag.Int("app-id", 0, "application id sent as the app_id query parameter")
	token := flag.String("token", "", "API token to authorize with before subscribing")
	symbols := flag.String("symbols", "", "comma separated list of symbols to follow")
	keepAlive := flag.Duration("keepalive", 0, "keep-alive ping interval (0 uses the config value)")
	mock := flag.Bool("mock", false, "run against a built-in mock server")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	settings := defaultSettings()
	if *configPath != "" {
		loaded, err := loadSettings(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "derivtail: %v\n", err)
			os.Exit(1)
		}
		settings = loaded
	}
	setFlags := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	if setFlags["server"] {
		settings.Server = *server
	}
	if setFlags["app-id"] {
		settings.AppID = *appID
	}
	if setFlags["token"] {
		settings.Token = *token
	}
	if setFlags["symbols"] {
		settings.Symbols = splitSymbols(*symbols)
	}
	if setFlags["keepalive"] {
		settings.KeepAlive = *keepAlive
	}
	if setFlags["debug"] {
		settings.Debug = *debug
	}
	settings.Mock = *mock

	if err := settings.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "derivtail: %v\n", err)
		os.Exit(1)
	}
	if err := run(settings); err != nil {
		fmt.Fprintf(os.Stderr, "derivtail: %v\n", err)
		os.Exit(1)
	}
}

func run(settings *Settings) error {
	logLevel := logger.LogLevelInfo
	if settings.Debug {
		logLevel = logger.LogLevelDebug
	}
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logLevel),
		logger.WithPrefix("derivtail"),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigC
		lg.ILogf("Received %s, shutting down", sig)
		cancel()
	}()

	if settings.Mock {
		mock := apimock.NewServer(lg, &apimock.ServerConfig{Debug: settings.Debug})
		mock.Handle("ticks", apimock.StreamHandler("tick", time.Second, syntheticTicks()))
		if err := mock.Start(ctx, "127.0.0.1:0"); err != nil {
			return err
		}
		defer mock.Close()
		settings.Server = mock.URL()
		settings.AppID = 0
		lg.ILogf("Using built-in mock server at %s", mock.URL())
	}

	rd, err := apiconn.NewRedialer(lg, &apiconn.RedialerConfig{
		Channel: &apiconn.Config{
			Server: settings.Server,
			AppID:  settings.AppID,
		},
		Mux: &apimux.Config{
			KeepAlive: settings.KeepAlive,
		},
		MaxRetryCount:    settings.MaxRetryCount,
		MaxRetryInterval: settings.MaxRetryInterval,
		OnConnect: func(m *apimux.Mux, reconnected bool) {
			if reconnected {
				// the redialer replays authorization and streams by itself
				return
			}
			if settings.Token != "" {
				// hold all traffic until the authorize response has arrived
				m.WaitFor(apimux.DefaultAuthorizeEndpoint, apimux.ClassAll)
				m.Send(apimux.DefaultAuthorizeEndpoint, apimux.Payload{apimux.DefaultAuthorizeEndpoint: settings.Token})
			}
			for _, sym := range settings.Symbols {
				sym := sym
				_, err := m.Subscribe("ticks", apimux.Payload{"ticks": sym}, printTick, func(err error) {
					lg.WLogErrorf("Stream for %s failed: %s", sym, err)
				})
				if err != nil {
					lg.WLogErrorf("Cannot subscribe to %s: %s", sym, err)
				}
			}
		},
	})
	if err != nil {
		return err
	}
	return rd.Run(ctx)
}

// printTick writes one stream update to stdout in a tail-friendly layout.
func printTick(msg *apimux.Message) {
	tick, _ := msg.Field("tick").(map[string]interface{})
	if tick == nil {
		return
	}
	ts := time.Now().Format("15:04:05")
	if epoch, ok := tick["epoch"].(float64); ok {
		ts = time.Unix(int64(epoch), 0).Format("15:04:05")
	}
	fmt.Fprintf(os.Stdout, "%s  %-12v %v\n", ts, tick["symbol"], tick["quote"])
}

// syntheticTicks generates a random walk quote series for mock mode. The
// returned generator is shared by every mock stream, so it locks.
func syntheticTicks() func(req apimux.Request, seq int64) interface{} {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lock sync.Mutex
	quotes := map[string]float64{}
	return func(req apimux.Request, seq int64) interface{} {
		lock.Lock()
		defer lock.Unlock()
		symbol, _ := req["ticks"].(string)
		if symbol == "" {
			symbol = "R_100"
		}
		if _, ok := quotes[symbol]; !ok {
			quotes[symbol] = 1000.0
		}
		quotes[symbol] += rnd.Float64() - 0.5
		return map[string]interface{}{
			"symbol": symbol,
			"epoch":  time.Now().Unix(),
			"quote":  float64(int(quotes[symbol]*10000)) / 10000,
		}
	}
}
