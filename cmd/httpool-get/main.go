// httpool-get fetches a URL through the pooled HTTP/1.1 client. An
// optional TOML config file tunes the pool.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"dqx0.com/go/httpool/httpc"
	"dqx0.com/go/httpool/internal/obs"
)

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type fileConfig struct {
	MaxConnsPerEndpoint int      `toml:"max_conns_per_endpoint"`
	ConnLifetime        duration `toml:"conn_lifetime"`
	IdleConnTimeout     duration `toml:"idle_conn_timeout"`
	ConnectTimeout      duration `toml:"connect_timeout"`
	ProxyURL            string   `toml:"proxy_url"`
	Decompress          bool     `toml:"decompress"`
	LogLevel            string   `toml:"log_level"`
}

func main() {
	cfgPath := flag.String("config", "", "path to TOML config")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [-config file] [-v] <url>\n", os.Args[0])
		os.Exit(2)
	}

	opts := httpc.DefaultOptions()
	level := obs.Warn
	if *verbose {
		level = obs.Debug
	}
	if *cfgPath != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(*cfgPath, &fc); err != nil {
			log.Fatalf("config: %v", err)
		}
		if fc.MaxConnsPerEndpoint != 0 {
			opts.MaxConnsPerEndpoint = fc.MaxConnsPerEndpoint
		}
		if fc.ConnLifetime.Duration != 0 {
			opts.ConnLifetime = fc.ConnLifetime.Duration
		}
		if fc.IdleConnTimeout.Duration != 0 {
			opts.IdleConnTimeout = fc.IdleConnTimeout.Duration
		}
		if fc.ConnectTimeout.Duration != 0 {
			opts.ConnectTimeout = fc.ConnectTimeout.Duration
		}
		if fc.ProxyURL != "" {
			proxyURL, err := url.Parse(fc.ProxyURL)
			if err != nil {
				log.Fatalf("config: proxy_url: %v", err)
			}
			opts.Proxy = func(*httpc.Request) (*url.URL, error) { return proxyURL, nil }
		}
		opts.AutomaticDecompression = fc.Decompress
		if fc.LogLevel != "" {
			level = obs.ParseLevel(fc.LogLevel)
		}
	}
	opts.Logger = obs.StdLogger{L: log.New(os.Stderr, "", log.LstdFlags), Min: level}

	c := httpc.NewClient(opts)
	defer c.Close()

	res, err := c.Get(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.StatusCode)
	os.Stdout.Write(b)
}
