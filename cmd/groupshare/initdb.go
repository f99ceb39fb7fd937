package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nuha.dev/groupshare/internal/config"
	"nuha.dev/groupshare/internal/store/impl/pgstore"
)

func initdbCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "initdb",
		Short: "Create the coordinate history tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.New(), *cfgFile)
			if err != nil {
				return err
			}
			if c.DB.URL == "" {
				return errors.New("db.url is not set")
			}
			ctx := context.Background()
			pool, err := pgxpool.Connect(ctx, c.DB.URL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := pgstore.InitSchema(ctx, pool); err != nil {
				return err
			}
			fmt.Println("schema ready")
			return nil
		},
	}
}
