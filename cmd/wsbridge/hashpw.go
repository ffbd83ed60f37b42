package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wsbridge/wsbridge/pkg/authfn"
)

var hashpwCmd = &cobra.Command{
	Use:   "hashpw <password>",
	Short: "Hash a channel secret for WSBRIDGE_CHANNEL_SECRET_HASH",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		hash, err := authfn.HashPassword(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
	},
}
