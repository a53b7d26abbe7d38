package main

import (
	"github.com/spf13/cobra"

	"github.com/campuslib/library_service/internal/app/services/accounts"
	"github.com/campuslib/library_service/internal/config"
)

func newAdminCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage administrator accounts",
	}

	var in accounts.AdminInput
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a verified administrator account",
		Long:  "create registers an administrator directly in the store. Use it to bootstrap the first\nadministrator; later ones can be added through the API.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.cfg.Database.Driver == config.DriverMemory {
				return errMemoryDriver
			}
			a, err := o.buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			admin, err := a.Core().Accounts.CreateAdmin(cmd.Context(), in)
			if err != nil {
				return err
			}
			o.out.Success("administrator %s created with id %d", admin.Email, admin.ID)
			return nil
		},
	}
	create.Flags().StringVar(&in.Name, "name", "", "display name")
	create.Flags().StringVar(&in.Email, "email", "", "login email")
	create.Flags().StringVar(&in.Password, "password", "", "password (8 to 16 characters)")
	create.Flags().StringVar(&in.Phone, "phone", "", "optional phone number")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("email")
	_ = create.MarkFlagRequired("password")
	cmd.AddCommand(create)
	return cmd
}
