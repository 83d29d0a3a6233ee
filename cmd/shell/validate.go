package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/runwork/shell/internal/bundlectx"
	"github.com/runwork/shell/sigverify"
	"github.com/runwork/shell/storagemgr"
	"github.com/runwork/shell/validator"

	"github.com/runwork/shell/platform"
)

// ValidateCmd runs the validator in isolation and reports the result,
// without launching anything - useful for diagnosing a bad cache
// directory or confirming a freshly-published manifest verifies.
var ValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "`validate` checks the locally cached bundle without launching it",
	Long:  "`validate` checks the locally cached bundle without launching it",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := resolveConfig()
		if err != nil {
			fatalf("configuration error: %v", err)
		}
		configureLogging(cfg)

		pub, err := sigverify.ParsePublicKey(cfg.PublicKey)
		if err != nil {
			logrus.Fatalln(err)
		}

		var p platform.ID
		if cfg.Platform != "" {
			p, err = platform.Parse(cfg.Platform)
		} else {
			p, err = platform.Detect()
		}
		if err != nil {
			logrus.Fatalln(err)
		}

		mgr, err := storagemgr.New(cfg.BundleDir())
		if err != nil {
			logrus.Fatalln(err)
		}

		v := validator.New(mgr, pub, cfg.ShellVersion, p)

		ctx := bundlectx.WithOp(context.Background(), "validate")
		result, err := v.Validate(ctx, func(pr validator.Progress) {
			logrus.WithFields(logrus.Fields{
				"filesVerified": pr.FilesVerified,
				"totalFiles":    pr.TotalFiles,
			}).Debug("verifying")
		})
		if err != nil {
			logrus.Fatalln(err)
		}

		fmt.Println(describeResult(result))
		if result.Kind != validator.Valid {
			os.Exit(1)
		}
	},
}

func describeResult(result validator.Result) string {
	switch result.Kind {
	case validator.Valid:
		return fmt.Sprintf("valid: build %d at %s", result.Manifest.BuildNumber, result.VersionPath)
	case validator.NoBundle:
		return fmt.Sprintf("no bundle: %s", result.Reason)
	case validator.ShellUpdateRequired:
		return fmt.Sprintf("shell update required: have %d, need %d (%s)",
			result.CurrentShellVersion, result.RequiredShellVersion, result.UpdateURL)
	case validator.NetworkError:
		return fmt.Sprintf("network error: %s", result.Reason)
	case validator.Failed:
		msg := fmt.Sprintf("failed: %s", result.Reason)
		for _, f := range result.Failures {
			msg += fmt.Sprintf("\n  %s: %s", f.Path, f.Reason)
		}
		return msg
	default:
		return "unknown result"
	}
}
