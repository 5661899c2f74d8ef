/*
 * Copyright 2025 Cong Wang
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amtp-protocol/a2a-gateway/internal/config"
	"github.com/amtp-protocol/a2a-gateway/internal/server"
)

func runHealthCheck(addr string) error {
	// If addr starts with :, prepend localhost
	if len(addr) > 0 && addr[0] == ':' {
		addr = "localhost" + addr
	}
	client := &http.Client{
		Timeout: 2 * time.Second,
	}
	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %d", resp.StatusCode)
	}
	return nil
}

func main() {
	healthCheck := flag.Bool("health-check", false, "Run health check")
	configFile := flag.String("config", "", "Path to configuration file (YAML)")
	adminKeyFile := flag.String("admin-key-file", "", "Path to admin API key file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadFrom(*configFile, *adminKeyFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *healthCheck {
		if err := runHealthCheck(cfg.Server.Address); err != nil {
			fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Create HTTP server with the full runtime graph
	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	go func() {
		log.Printf("Starting A2A Gateway %s on %s", server.Version, cfg.Server.Address)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Drains in-flight requests, then stops workers and closes storage
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
