/*
   Notify is a websocket push notification relay
   Copyright (C) 2026 The Openboard Authors

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as
   published by the Free Software Foundation, either version 3 of the
   License, or (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package cmd

import (
	"fmt"
	"net/http"
	_ "net/http/pprof" //ok in production https://medium.com/google-cloud/continuous-profiling-of-go-programs-96d4416af77b
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openboard/notify/internal/relay"
	log "github.com/sirupsen/logrus"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// serveCmd runs the relay until interrupted
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "websocket push notification relay",
	Long: `Serve runs the notification relay. Clients present single-use
signed tickets on the websocket handshake and receive notifications
addressed to their user id. Set parameters with environment variables,
for example:

export NOTIFY_AUDIENCE=https://notify.example.org
export NOTIFY_LOG_LEVEL=warn
export NOTIFY_LOG_FORMAT=json
export NOTIFY_LOG_FILE=/var/log/notify/notify.log
export NOTIFY_MAX_TICKET_AGE=60s
export NOTIFY_PORT=4000
export NOTIFY_PORT_PROFILE=6061
export NOTIFY_PROFILE=true
export NOTIFY_REAP_EVERY=2m
export NOTIFY_SECRET=somesecret
export NOTIFY_TICKET_TTL=60
export NOTIFY_TICKET_URL=
notify serve

Notes:
NOTIFY_TICKET_URL points at an external ticket service; leave it empty
to serve tickets from the relay's own in-memory store
NOTIFY_MAX_TICKET_AGE of 0s disables the ticket freshness check

`,
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("NOTIFY")
		viper.AutomaticEnv()

		viper.SetDefault("audience", "") //so we can check it's been provided
		viper.SetDefault("log_file", "stdout")
		viper.SetDefault("log_format", "json")
		viper.SetDefault("log_level", "warn")
		viper.SetDefault("max_ticket_age", "60s")
		viper.SetDefault("port", 4000)
		viper.SetDefault("port_profile", 6061)
		viper.SetDefault("profile", "false")
		viper.SetDefault("reap_every", "2m")
		viper.SetDefault("secret", "") //so we can check it's been provided
		viper.SetDefault("ticket_ttl", 60)
		viper.SetDefault("ticket_url", "")

		audience := viper.GetString("audience")
		logFile := viper.GetString("log_file")
		logFormat := viper.GetString("log_format")
		logLevel := viper.GetString("log_level")
		maxTicketAgeStr := viper.GetString("max_ticket_age")
		port := viper.GetInt("port")
		portProfile := viper.GetInt("port_profile")
		profile := viper.GetBool("profile")
		reapEveryStr := viper.GetString("reap_every")
		secret := viper.GetString("secret")
		ticketTTL := viper.GetInt64("ticket_ttl")
		ticketURL := viper.GetString("ticket_url")

		// Sanity checks
		ok := true

		if audience == "" {
			fmt.Println("You must set NOTIFY_AUDIENCE")
			ok = false
		}

		if secret == "" {
			fmt.Println("You must set NOTIFY_SECRET")
			ok = false
		}

		if !ok {
			os.Exit(1)
		}

		// parse durations

		reapEvery, err := time.ParseDuration(reapEveryStr)

		if err != nil {
			fmt.Print("cannot parse duration in NOTIFY_REAP_EVERY=" + reapEveryStr)
			os.Exit(1)
		}

		maxTicketAge, err := time.ParseDuration(maxTicketAgeStr)

		if err != nil {
			fmt.Print("cannot parse duration in NOTIFY_MAX_TICKET_AGE=" + maxTicketAgeStr)
			os.Exit(1)
		}

		// set up logging
		switch strings.ToLower(logLevel) {
		case "trace":
			log.SetLevel(log.TraceLevel)
		case "debug":
			log.SetLevel(log.DebugLevel)
		case "info":
			log.SetLevel(log.InfoLevel)
		case "warn":
			log.SetLevel(log.WarnLevel)
		case "error":
			log.SetLevel(log.ErrorLevel)
		case "fatal":
			log.SetLevel(log.FatalLevel)
		case "panic":
			log.SetLevel(log.PanicLevel)
		default:
			fmt.Println("NOTIFY_LOG_LEVEL can be trace, debug, info, warn, error, fatal or panic but not " + logLevel)
			os.Exit(1)
		}

		switch strings.ToLower(logFormat) {
		case "json":
			log.SetFormatter(&log.JSONFormatter{})
		case "text":
			log.SetFormatter(&log.TextFormatter{})
		default:
			fmt.Println("NOTIFY_LOG_FORMAT can be json or text but not " + logFormat)
			os.Exit(1)
		}

		if strings.ToLower(logFile) == "stdout" {

			log.SetOutput(os.Stdout)

		} else {

			file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err == nil {
				log.SetOutput(file)
			} else {
				log.Infof("Failed to log to %s, logging to default stderr", logFile)
			}
		}

		// Report useful info
		log.Infof("notify version: %s", versionString())
		log.Infof("Audience: [%s]", audience)
		log.Infof("Log file: [%s]", logFile)
		log.Infof("Log format: [%s]", logFormat)
		log.Infof("Log level: [%s]", logLevel)
		log.Infof("Max ticket age: [%s]", maxTicketAge)
		log.Infof("Port: [%d]", port)
		log.Infof("Port for profile: [%d]", portProfile)
		log.Infof("Profiling is on: [%t]", profile)
		log.Infof("Reap every: [%s]", reapEvery)
		if len(secret) >= 8 {
			log.Debugf("Secret: [%s...%s]", secret[:4], secret[len(secret)-4:])
		}
		log.Infof("Ticket TTL: [%d]", ticketTTL)
		log.Infof("Ticket URL: [%s]", ticketURL)

		// Optionally start the profiling server
		if profile {
			go func() {
				url := "localhost:" + strconv.Itoa(portProfile)
				err := http.ListenAndServe(url, nil)
				if err != nil {
					log.Errorf("%s", err.Error())
				}
			}()
		}

		var wg sync.WaitGroup

		closed := make(chan struct{})

		c := make(chan os.Signal, 1)

		signal.Notify(c, os.Interrupt)

		go func() {
			for range c {
				close(closed)
				wg.Wait()
				os.Exit(0)
			}
		}()

		wg.Add(1)

		config := relay.Config{
			Port:         port,
			Secret:       secret,
			Audience:     audience,
			TicketURL:    ticketURL,
			TicketTTL:    ticketTTL,
			MaxTicketAge: maxTicketAge,
			ReapEvery:    reapEvery,
		}

		go relay.Relay(closed, &wg, config)

		wg.Wait()

	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
