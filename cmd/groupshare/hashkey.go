package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"nuha.dev/groupshare/internal/util"
)

func hashkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hashkey [key]",
		Short: "Print the api.key_hash value for a key, generating one when omitted",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				key = util.GenRandomString(nil, 24)
				fmt.Printf("key:      %s\n", key)
			}
			fmt.Printf("key_hash: %s\n", util.HashKey(key))
		},
	}
}
