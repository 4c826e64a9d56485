// Command agentd runs the repository question-answering daemon: it
// starts the HTTP service, waits for it to come up, and pre-creates a
// session so clients can attach immediately.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Warp-Terra/repo-agent/internal/agent"
	"github.com/Warp-Terra/repo-agent/internal/config"
	"github.com/Warp-Terra/repo-agent/internal/llmclient"
	"github.com/Warp-Terra/repo-agent/internal/remote"
	"github.com/Warp-Terra/repo-agent/internal/repotools"
	"github.com/Warp-Terra/repo-agent/internal/server"
)

const minMaxEvents = 200

func main() {
	host := config.Host()
	port := config.Port()
	token := config.Token()
	sessionID := ""
	maxEvents := agent.DefaultMaxEvents
	startupTimeout := 15 * time.Second

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--host":
			host = flagValue(args, &i)
		case "--port":
			raw := flagValue(args, &i)
			v, err := strconv.Atoi(raw)
			if err != nil || v <= 0 || v > 65535 {
				fmt.Fprintf(os.Stderr, "--port 取值无效：%s\n", raw)
				os.Exit(1)
			}
			port = v
		case "--token":
			token = flagValue(args, &i)
		case "--session-id":
			sessionID = flagValue(args, &i)
		case "--max-events":
			raw := flagValue(args, &i)
			v, err := strconv.Atoi(raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "--max-events 取值无效：%s\n", raw)
				os.Exit(1)
			}
			if v < minMaxEvents {
				v = minMaxEvents
			}
			maxEvents = v
		case "--startup-timeout":
			raw := flagValue(args, &i)
			secs, err := strconv.ParseFloat(raw, 64)
			if err != nil || secs <= 0 {
				fmt.Fprintf(os.Stderr, "--startup-timeout 取值无效：%s\n", raw)
				os.Exit(1)
			}
			startupTimeout = time.Duration(secs * float64(time.Second))
		case "-h", "--help":
			usage()
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			usage()
			os.Exit(1)
		}
	}

	tools, err := repotools.New("", config.IgnoreGlobs())
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化失败：%v\n", err)
		os.Exit(1)
	}
	registry, err := agent.RepoToolRegistry(tools)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化失败：%v\n", err)
		os.Exit(1)
	}

	manager := agent.NewManager(llmclient.FromConfig, registry, maxEvents)
	srv := server.New(server.Config{
		Host:      host,
		Port:      port,
		Token:     token,
		MaxEvents: maxEvents,
	}, manager)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	probeHost := host
	if probeHost == "0.0.0.0" || probeHost == "::" {
		probeHost = "127.0.0.1"
	}
	client := remote.New(fmt.Sprintf("%s:%d", probeHost, port), token)
	if err := client.WaitReady(startupTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "服务启动失败：%v\n", err)
		shutdown(srv)
		os.Exit(1)
	}

	created, err := client.CreateSession(sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "创建会话失败：%v\n", err)
		shutdown(srv)
		os.Exit(1)
	}
	fmt.Printf("会话已就绪：%v\n", created["session_id"])

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signals:
		fmt.Fprintf(os.Stderr, "收到信号 %v，正在退出...\n", sig)
		shutdown(srv)
	case err := <-serveErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "服务异常退出：%v\n", err)
			shutdown(srv)
			os.Exit(1)
		}
	}
}

func shutdown(srv *server.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

func flagValue(args []string, i *int) string {
	*i++
	if *i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", args[*i-1])
		os.Exit(1)
	}
	return args[*i]
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: agentd [--host HOST] [--port PORT] [--token TOKEN]")
	fmt.Fprintln(os.Stderr, "              [--session-id ID] [--max-events N] [--startup-timeout SECONDS]")
}
