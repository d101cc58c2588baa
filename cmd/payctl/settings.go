package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/PayRecon/app/models"
)

var settingKeys = []string{
	models.SettingRazorpayKeyID,
	models.SettingRazorpayKeySecret,
	models.SettingRazorpayWebhookSecret,
	models.SettingStripeAPIKey,
	models.SettingStripeWebhookSecret,
	models.SettingRetryExpiryHours,
}

func knownSetting(key string) bool {
	for _, k := range settingKeys {
		if k == key {
			return true
		}
	}
	return false
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and write gateway settings",
	}

	set := &cobra.Command{
		Use:       "set [key] [value]",
		Short:     "Store a setting; secrets are sealed with SETTINGS_ENCRYPTION_KEY",
		Args:      cobra.ExactArgs(2),
		ValidArgs: settingKeys,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !knownSetting(args[0]) {
				return fmt.Errorf("unknown setting %q (known: %v)", args[0], settingKeys)
			}
			rt, err := openRuntime(context.Background())
			if err != nil {
				return err
			}
			if err := rt.Repos.Setting.SetValue(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("%s updated; running servers pick it up within the settings TTL\n", args[0])
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Show which settings are set; secret values are masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(context.Background())
			if err != nil {
				return err
			}
			values, err := rt.Repos.Setting.All()
			if err != nil {
				return err
			}
			for _, k := range settingKeys {
				v, ok := values[k]
				switch {
				case !ok || v == "":
					v = "(unset)"
				case models.NewSetting(k, "").IsSecret():
					v = "********"
				}
				fmt.Printf("%-26s %s\n", k, v)
			}
			return nil
		},
	}

	cmd.AddCommand(set, list)
	return cmd
}
