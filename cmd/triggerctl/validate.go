package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/triggerflow/internal/config"
	"github.com/gyaneshwarpardhi/triggerflow/internal/trigger"
)

var errInvalidFile = errors.New("trigger file is invalid")

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a trigger file without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			f, err := config.Parse(data)
			if err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			if err := config.Validate(f); err != nil {
				fmt.Fprintln(out, err)
				return errInvalidFile
			}
			bad := 0
			for _, def := range f.Triggers {
				if _, err := trigger.Compile(def); err != nil {
					bad++
					var verr *trigger.ValidationError
					if errors.As(err, &verr) {
						for _, fe := range verr.Errors {
							fmt.Fprintf(out, "%s: %s\n", def.ID, fe)
						}
						continue
					}
					fmt.Fprintf(out, "%s: %v\n", def.ID, err)
				}
			}
			if bad > 0 {
				fmt.Fprintf(out, "%d of %d triggers invalid\n", bad, len(f.Triggers))
				return errInvalidFile
			}
			fmt.Fprintf(out, "%s: %d triggers OK\n", args[0], len(f.Triggers))
			return nil
		},
	}
}
