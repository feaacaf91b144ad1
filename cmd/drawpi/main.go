// Command drawpi drives a Raspberry Pi pen plotter, running programs from
// yaml files or serving the plotter over HTTP
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/theckman/yacspin"
	yml "gopkg.in/yaml.v2"

	httpplotter "github.com/nasa-jpl/drawpi/generichttp/plotter"
	"github.com/nasa-jpl/drawpi/plotter"
	"github.com/nasa-jpl/drawpi/program"
	"github.com/nasa-jpl/drawpi/waveform"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "drawpi.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "yaml"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadconfig() Config {
	c := Config{}
	if err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		log.Fatal(err)
	}
	return c
}

// setuplog redirects the log to c.LogFile, if there is one, and returns a
// function that puts it back
func setuplog(c Config) func() {
	if c.LogFile == "" {
		return func() {}
	}
	f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Fatal(err)
	}
	log.SetOutput(f)
	return func() {
		log.SetOutput(os.Stderr)
		f.Close()
	}
}

func root() {
	str := `drawpi drives a two axis pen plotter built on a Raspberry Pi

Usage:
	drawpi <command>

Commands:
	run <program.yml>
	home
	serve
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `drawpi is amenable to configuration via its .yaml file, drawpi.yml.  For a
primer on YAML, see https://yaml.org/start.html

Without a configuration file the reference build is assumed: 100 steps/mm,
X on GPIO 16 (step) 19 (dir) 4 (endstop), Y on GPIO 21 20 17 with the
direction inverted, drivers enabled on GPIO 22, and the pen servo on GPIO 18.
Use mkconf to write those defaults to drawpi.yml and edit from there.

Backends:
- pigpio: the pigpio daemon, which must be running (sudo pigpiod)
- soft:   software timed pulses through periph.io, for hosts without pigpio
- mock:   a simulated plotter, for trying out programs

Pen drivers:
- gpio:           a servo on a GPIO of the backend
- maestro-serial: a Pololu Maestro on its command port
- maestro-usb:    a Pololu Maestro on native USB

Programs are yaml (or json) lists of steps:

	- Type: home
	- Type: goto
	  X: 10
	  Y: 10
	- Type: pen
	  Down: true
	- Type: line
	  X: 60
	  Y: 10
	  Feedrate: 20
	- Type: pen
	  Down: false

Coordinates are in mm and feed rates in mm/s; a line without a feed rate
moves at 10 mm/s.

serve exposes the plotter under Endpoint (/plotter by default) and
Prometheus metrics at /metrics.  GET <Endpoint>/route-list lists the routes.`
	fmt.Println(str)
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("drawpi version %v\n", Version)
}

// open opens the hardware and builds a plotter on it
func open(c Config, metrics *waveform.Metrics) (*plotter.Plotter, *hardware) {
	hw, err := openHardware(c)
	if err != nil {
		log.Fatal(err)
	}
	c.Plotter.Logger = log.Default()
	c.Plotter.Waveform.Metrics = metrics
	p, err := plotter.New(c.Plotter, hw.dev, hw.pen)
	if err != nil {
		hw.Close()
		log.Fatal(err)
	}
	return p, hw
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func run(path string) int {
	c := loadconfig()
	defer setuplog(c)()
	cmds, err := program.Load(path, c.Plotter.Converter())
	if err != nil {
		log.Println(err)
		return 1
	}
	p, hw := open(c, nil)
	defer hw.Close()
	defer p.Close()

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           fmt.Sprintf("plotting %d commands", len(cmds)),
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Println(err)
		return 1
	}
	ctx, cancel := signalContext()
	defer cancel()

	spinner.Start()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, cmds) }()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			st := p.Status()
			pen := "up"
			if st.PenDown {
				pen = "down"
			}
			spinner.Message(fmt.Sprintf("at (%.2f, %.2f) mm, pen %s", st.X, st.Y, pen))
		case err := <-done:
			if err != nil {
				spinner.StopFailMessage(err.Error())
				spinner.StopFail()
				return 1
			}
			spinner.StopMessage(fmt.Sprintf("plotted %d commands", len(cmds)))
			spinner.Stop()
			return 0
		}
	}
}

func home() int {
	c := loadconfig()
	defer setuplog(c)()
	p, hw := open(c, nil)
	defer hw.Close()
	defer p.Close()
	ctx, cancel := signalContext()
	defer cancel()

	res, err := p.Home(ctx)
	for _, r := range res {
		fmt.Printf("%s: %s after %d steps\n", r.Axis, r.State, r.Travel)
	}
	if err != nil {
		log.Println(err)
		return 1
	}
	return 0
}

func serve() {
	c := loadconfig()
	defer setuplog(c)()
	metrics, err := waveform.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatal(err)
	}
	p, hw := open(c, metrics)
	defer hw.Close()
	defer p.Close()

	h := httpplotter.NewHTTPPlotter(p, log.Default())
	lim := httpplotter.LimitMiddleware{Limits: c.Limits}
	lim.Inject(h)

	r := chi.NewRouter()
	r.Use(h.Lock.Check)
	r.Use(lim.Check)
	h.RT().Bind(r)

	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Handle("/metrics", promhttp.Handler())
	endpt := "/" + strings.Trim(c.Endpoint, "/*")
	root.Mount(endpt, r)

	srv := &http.Server{Addr: c.Addr, Handler: root}
	ctx, cancel := signalContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		srv.Shutdown(sctx)
	}()
	log.Println("now listening for requests at ", c.Addr, endpt)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Println(err)
	}
	if err := p.Stop(); err != nil {
		log.Println(err)
	}
	h.Wait()
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		if len(args) < 3 {
			log.Fatal("run needs a program file")
		}
		os.Exit(run(args[2]))
	case "home", "zero":
		os.Exit(home())
	case "serve":
		serve()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
