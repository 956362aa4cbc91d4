package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"hark/audio"
	"hark/beep"
	"hark/capture"
	"hark/config"
	"hark/hotkey"
	"hark/log"
	"hark/metrics"
	"hark/paste"
	"hark/recognizer"
	"hark/shutdown"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var version = "dev"

const fakeScript = "This is a scripted dictation. It runs without a microphone or an API key."

func fatalf(format string, args ...any) {
	log.Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	log.Close()
	os.Exit(1)
}

func setupLogging(c config.Config) {
	dir, err := log.ResolveDir(c.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(dir)
	log.SetDebug(c.Debug)
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
		return
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	if f, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
		fmt.Fprintf(f, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(f, debug.CrashOptions{})
	}
}

// pickDevice resolves -setup and -device. nil means the system default.
func pickDevice(actx audio.Context, c config.Config) *audio.DeviceInfo {
	switch {
	case c.Device != "":
		dev, err := audio.FindDevice(actx, c.Device)
		if err != nil {
			fatalf("%v", err)
		}
		return dev
	case c.Setup:
		dev, err := audio.SelectDevice(actx)
		if errors.Is(err, audio.ErrSelectionCancelled) {
			os.Exit(0)
		}
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\nFalling back to default device\n", err)
			return nil
		}
		return dev
	}
	return nil
}

func deviceLineText(dev *audio.DeviceInfo) string {
	if dev == nil {
		return "mic: system default"
	}
	if audio.IsBluetooth(dev.Name) {
		return "mic: " + dev.Name + " (BT, expect lower quality)"
	}
	return "mic: " + dev.Name
}

func newRecognizer(actx audio.Context, dev *audio.DeviceInfo, c config.Config) recognizer.Adapter {
	if c.Fake {
		return recognizer.NewScripted(fakeScript, 250*time.Millisecond)
	}
	key := os.Getenv("DEEPGRAM_API_KEY")
	if key == "" {
		fatalf("DEEPGRAM_API_KEY not set (or run with -fake)")
	}
	return recognizer.NewDeepgram(actx, recognizer.DeepgramConfig{
		APIKey:   key,
		Model:    c.Model,
		Language: c.Lang,
		Device:   dev,
		Logger:   log.Component("deepgram"),
	})
}

// startHotkey maps hybrid hotkey presses onto machine commands until ctx ends.
func startHotkey(ctx context.Context, c config.Config, m *capture.Machine) (stop func(), err error) {
	combo, err := hotkey.ParseCombo(c.Hotkey)
	if err != nil {
		return nil, err
	}
	hk := hotkey.New(combo)
	if err := hk.Register(); err != nil {
		if _, derr := hotkey.Diagnose(); derr != nil {
			return nil, fmt.Errorf("register %s: %w (%v)", combo, err, derr)
		}
		return nil, fmt.Errorf("register %s: %w", combo, err)
	}
	hy := hotkey.NewHybrid(hk, c.LongPress)
	go func() {
		for {
			select {
			case ev := <-hy.Start():
				log.Info("hotkey_start_" + string(ev.Mode))
				switch m.Status().State {
				case capture.Confirming:
					m.Confirm()
				case capture.Error:
					m.Retry()
				default:
					m.Start()
				}
			case <-hy.StopChan():
				m.Stop()
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		hy.Close()
		hk.Unregister()
	}, nil
}

func run() {
	c, err := config.Resolve(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if c.Version {
		fmt.Printf("hark %s\n", version)
		return
	}

	setupLogging(c)
	defer log.Close()

	var actx audio.Context
	if c.Fake {
		tone := audio.NewFakeContextPCM(audio.Tone(220, 0.3, 2*time.Second), true)
		tone.SetLoop(true)
		actx = tone
	} else {
		if actx, err = audio.NewContext(); err != nil {
			fatalf("initializing audio: %v", err)
		}
	}
	defer actx.Close()

	dev := pickDevice(actx, c)
	rec := newRecognizer(actx, dev, c)
	log.SessionStart(rec.Name(), c.Confirm, c.AutoSubmit)

	if !c.Beep {
		beep.Disable()
	} else {
		go beep.Init()
	}
	if c.AutoPaste && !c.Fake {
		if err := paste.Init(); err != nil {
			log.Warnf("paste init failed: %v", err)
		}
	}

	var recorder capture.Recorder
	var metricsSrv *metrics.Server
	if c.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		recorder = metrics.New(reg)
		metricsSrv = metrics.NewServer(c.MetricsAddr, reg, *log.Component("metrics"))
		metricsSrv.Start()
	}

	sink := newHostSink(log.Component("host"), beep.Play)
	newMonitor := func() capture.LevelMonitor {
		return capture.NewMonitor(actx, capture.MonitorConfig{
			Device:      dev,
			SampleRate:  audio.DefaultSampleRate,
			Constraints: audio.VoiceConstraints(),
		})
	}
	machine := capture.New(rec, newMonitor, sink, capture.Options{
		AutoSubmit:       c.AutoSubmit,
		ShowConfirmation: c.Confirm,
		Placeholder:      c.Placeholder,
		GraceWindow:      c.Grace,
		RetryDelay:       c.RetryDelay,
		AutoRetry:        c.AutoRetry,
		Logger:           log.Component("capture"),
		Recorder:         recorder,
	})

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	model := newTUIModel(machine, machine.Status(), "")
	model.deviceLine = deviceLineText(dev)
	model.modeLine = fmt.Sprintf("[%s | %s]", rec.Name(), c.Lang)

	var hotkeyNotice string
	if c.Hotkey != "" {
		stopHotkey, err := startHotkey(ctx, c, machine)
		if err != nil {
			log.Warnf("hotkey disabled: %v", err)
			hotkeyNotice = "hotkey disabled: " + err.Error()
		} else {
			defer stopHotkey()
			model.hotkey = c.Hotkey
		}
	}

	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	go sink.forward(program.Send)

	deliver := newDelivery(c.AutoPaste && !c.Fake, log.Component("delivery"))
	deliveryDone := make(chan struct{})
	go func() {
		defer close(deliveryDone)
		deliver.run(sink.deliver, sink.post)
	}()

	if hotkeyNotice != "" {
		sink.post(noticeMsg{Text: hotkeyNotice})
	}

	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		log.Errorf("TUI error: %v", err)
	}

	// Close waits for the loop, so no sink method runs after it returns.
	machine.Close()
	close(sink.deliver)
	<-deliveryDone
	sink.close()

	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := metricsSrv.Shutdown(sctx); err != nil {
			log.Warnf("metrics shutdown: %v", err)
		}
		cancel()
	}
	log.SessionEnd(deliver.delivered)
}
