package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"go-chatsync/internal/api"
)

var tokenCmd = &cobra.Command{
	Use:   "token <userId>",
	Short: "Request a development token from the reference backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base := strings.TrimSuffix(strings.TrimSuffix(cfg.API.URL, "/"), "/api")
		client := api.NewClient(base, "", cfg.API.Timeout)
		var out struct {
			Token string `json:"access_token"`
		}
		if err := client.Post(cmd.Context(), "/token", map[string]string{"userId": args[0]}, &out); err != nil {
			return err
		}
		fmt.Println(out.Token)
		return nil
	},
}
