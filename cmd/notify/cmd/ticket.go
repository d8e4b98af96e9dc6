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
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/openboard/notify/internal/ticket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ticketCmd mints a signed ticket query string for testing with curl/wscat
var ticketCmd = &cobra.Command{
	Use:   "ticket",
	Short: "notify ticket generates a signed connection ticket",
	Long: `Set the operating parameters with environment variables, for example

export NOTIFY_TICKET_SECRET=somesecret
export NOTIFY_TICKET_USER=42
export NOTIFY_TICKET_URL=http://localhost:4000/ws
query=$(notify ticket)

With NOTIFY_TICKET_URL set, the ticket is also registered at the relay's
bundled ticket store so the printed query string admits a connection
immediately. Without it, only the signed query string is printed.
`,

	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("NOTIFY_TICKET")
		viper.AutomaticEnv()

		secret := viper.GetString("secret")
		userID := viper.GetInt64("user")
		ticketURL := viper.GetString("url")

		// check inputs

		if secret == "" {
			fmt.Println("NOTIFY_TICKET_SECRET not set")
			os.Exit(1)
		}

		tk := ticket.New(uuid.New().String(), secret)

		if ticketURL != "" {

			if userID == 0 {
				fmt.Println("NOTIFY_TICKET_USER not set")
				os.Exit(1)
			}

			form := tk.Query()
			form.Set("userId", fmt.Sprintf("%d", userID))

			client := &http.Client{Timeout: 10 * time.Second}

			resp, err := client.PostForm(ticketURL, form)

			if err != nil {
				fmt.Println(err)
				os.Exit(1)
			}

			resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				fmt.Printf("ticket endpoint returned %d\n", resp.StatusCode)
				os.Exit(1)
			}
		}

		fmt.Println(tk.Query().Encode())
		os.Exit(0)

	},
}

func init() {
	rootCmd.AddCommand(ticketCmd)
}
