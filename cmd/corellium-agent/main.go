package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/neilhwatson/corellium-api/client"
)

var version string

func main() {
	var endpoint string
	var token string
	var config string
	var op string
	var path string
	var localFile string
	var bundleID string
	var timeout int

	flag.StringVar(&endpoint, "s", "", "endpoint: the agent's websocket URL")
	flag.StringVar(&token, "t", "", "token: API token for the handshake")
	flag.StringVar(&config, "c", "", "config: path to a JSON configuration file")
	flag.StringVar(&op, "op", "ping", "op: one of ping, apps, run, kill, delete, download, upload, crashes")
	flag.StringVar(&path, "path", "", "path: remote file path for file operations")
	flag.StringVar(&localFile, "f", "", "file: local file for upload, or download destination (defaults to stdout)")
	flag.StringVar(&bundleID, "bundle", "", "bundle: application bundle id for run/kill")
	flag.IntVar(&timeout, "timeout", 60, "timeout: seconds to wait for the operation")
	verbosity := flag.String("verbosity", "info", "verbosity level")
	askVersion := flag.Bool("v", false, "Print the version number")
	flag.Parse()

	if *askVersion {
		fmt.Printf("corellium-agent %s\n", version)
		return
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	rawConfig := client.Config{}
	if config != "" {
		content, err := os.ReadFile(config)
		if err != nil {
			log.Fatalf("failed to read config file: %v", err)
		}
		if err := json.Unmarshal(content, &rawConfig); err != nil {
			log.Fatalf("failed to parse config file: %v", err)
		}
	}
	// commandline arguments override the config file
	if endpoint != "" {
		rawConfig.Endpoint = endpoint
	}
	if token != "" {
		rawConfig.Token = token
	}

	agent, err := client.NewAgent(rawConfig)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	opErr := runOp(ctx, agent, op, path, localFile, bundleID)
	cancel()

	tx, rx := agent.Stats()
	log.Debugf("sent %v bytes, received %v bytes", tx, rx)

	// log.Fatal exits the process, so hang up before reporting the failure
	agent.Disconnect()
	if opErr != nil {
		log.Fatal(opErr)
	}
}

func runOp(ctx context.Context, agent *client.Agent, op, path, localFile, bundleID string) error {
	switch op {
	case "ping":
		if err := agent.Ping(ctx); err != nil {
			return err
		}
		fmt.Println("agent is up")
		return nil
	case "apps":
		apps, err := agent.AppList(ctx)
		if err != nil {
			return err
		}
		for _, app := range apps {
			state := "stopped"
			if app.Running {
				state = "running"
			}
			fmt.Printf("%s\t%s\t%s\n", app.BundleID, app.Name, state)
		}
		return nil
	case "run":
		if bundleID == "" {
			return fmt.Errorf("-bundle is required for run")
		}
		return agent.RunApp(ctx, bundleID)
	case "kill":
		if bundleID == "" {
			return fmt.Errorf("-bundle is required for kill")
		}
		return agent.KillApp(ctx, bundleID)
	case "delete":
		if path == "" {
			return fmt.Errorf("-path is required for delete")
		}
		return agent.DeleteFile(ctx, path)
	case "download":
		if path == "" {
			return fmt.Errorf("-path is required for download")
		}
		r, err := agent.DownloadFile(ctx, path)
		if err != nil {
			return err
		}
		defer r.Close()
		var out io.Writer = os.Stdout
		if localFile != "" {
			f, err := os.Create(localFile)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		n, err := io.Copy(out, r)
		if err != nil {
			return err
		}
		log.Infof("downloaded %v bytes from %v", n, path)
		return nil
	case "upload":
		if path == "" || localFile == "" {
			return fmt.Errorf("-path and -f are required for upload")
		}
		f, err := os.Open(localFile)
		if err != nil {
			return err
		}
		defer f.Close()
		return agent.UploadFile(ctx, path, f)
	case "crashes":
		if path == "" {
			return fmt.Errorf("-path is required for crashes")
		}
		gone := make(chan error, 1)
		err := agent.SubscribeCrashes(ctx, path, func(r client.CrashReport) {
			if r.Err != nil {
				gone <- r.Err
				return
			}
			report, _ := json.Marshal(r.Fields)
			fmt.Println(string(report))
		})
		if err != nil {
			return err
		}
		log.Infof("watching %v for crash reports", path)
		select {
		case err := <-gone:
			return err
		case <-ctx.Done():
			return nil
		}
	default:
		return fmt.Errorf("unknown operation %v", op)
	}
}
