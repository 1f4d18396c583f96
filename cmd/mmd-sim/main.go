package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/ofsmmd/mmd"
	"github.com/ofsmmd/mmd/config"
	"github.com/ofsmmd/mmd/device"
	"github.com/ofsmmd/mmd/sim"
	"github.com/ofsmmd/mmd/util"
	"github.com/sirupsen/logrus"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	err := c.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %s", err)
		os.Exit(1)
	}

	platform, err := platformFromConfig(l, c)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to build simulated boards", err, l)
		os.Exit(1)
	}

	ctrl, err := mmd.Main(c, *configTest, Build, l, platform)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		os.Exit(1)
	}

	if !*configTest {
		ctrl.Start()
		handles, err := ctrl.OpenBoards()
		if err != nil {
			util.LogWithContextIfNeeded("Failed to enumerate boards", err, l)
		}
		for name, h := range handles {
			info, _ := ctrl.Manager().Info(h)
			l.WithFields(logrus.Fields{
				"name":    name,
				"handle":  h,
				"bdf":     info.BDF,
				"variant": info.Variant,
				"state":   info.State,
			}).Info("Board ready")
		}
		ctrl.ShutdownBlock()
	}

	os.Exit(0)
}

// platformFromConfig builds the boards listed under sim.boards, or a single
// default board if none are listed.
func platformFromConfig(l *logrus.Logger, c *config.C) (*sim.Platform, error) {
	raw, _ := c.Get("sim.boards").([]any)
	if len(raw) == 0 {
		return sim.NewPlatform(sim.NewBoard(sim.WithLogger(l), sim.WithSimulatedInterfaces())), nil
	}

	boards := make([]*sim.Board, 0, len(raw))
	for i, r := range raw {
		b, ok := r.(map[string]any)
		if !ok {
			return nil, util.NewContextualError("sim.boards entry is not a map", logrus.Fields{"index": i}, nil)
		}

		opts := []sim.Option{sim.WithLogger(l), sim.WithSimulatedInterfaces()}
		if v, ok := b["object_id"].(int); ok {
			opts = append(opts, sim.WithObjectID(uint64(v)))
		}
		if v, ok := b["bus"].(int); ok {
			opts = append(opts, sim.WithBDF(uint8(v), 0, 0))
		}
		switch v := b["memory_size"].(type) {
		case int:
			opts = append(opts, sim.WithMemorySize(v))
		case string:
			n, err := config.ParseSize(v)
			if err != nil {
				return nil, util.NewContextualError("Invalid sim board memory size", logrus.Fields{"index": i}, err)
			}
			opts = append(opts, sim.WithMemorySize(int(n)))
		}
		switch img, _ := b["image"].(string); img {
		case "", "pci":
		case "svm":
			opts = append(opts, sim.WithImage(device.DefaultSVMImageGUID))
		case "none":
			opts = append(opts, sim.WithImage(sim.EmptyImageGUID))
		default:
			g, err := device.ParseGUID(img)
			if err != nil {
				return nil, util.NewContextualError("Invalid sim board image", logrus.Fields{"index": i, "image": img}, err)
			}
			opts = append(opts, sim.WithImage(g))
		}
		boards = append(boards, sim.NewBoard(opts...))
	}
	return sim.NewPlatform(boards...), nil
}
