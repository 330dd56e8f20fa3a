// Copyright 2018-2024 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/netheos/pcsapi/pkg/appctx"
	"github.com/netheos/pcsapi/pkg/auth"
	"github.com/netheos/pcsapi/pkg/bytesio"
	"github.com/netheos/pcsapi/pkg/cpath"
	"github.com/netheos/pcsapi/pkg/credentials"
	"github.com/netheos/pcsapi/pkg/log"
	"github.com/netheos/pcsapi/pkg/storage"
	_ "github.com/netheos/pcsapi/pkg/storage/provider/loader"
)

type options struct {
	providerName  string
	appName       string
	userID        string
	repositoryDir string
	logLevel      string
}

func (o *options) context() context.Context {
	logger := log.New("pcsapi", o.logLevel)
	return appctx.WithLogger(context.Background(), &logger)
}

// buildStorage assembles a provider from the repository files.
func (o *options) buildStorage(forBootstrap bool) (storage.Provider, error) {
	dir := o.repositoryDir
	if dir == "" {
		dir = os.Getenv("PCS_API_REPOSITORY_DIR")
	}
	if dir == "" {
		return nil, errors.New("no repository directory (use --repository-dir or PCS_API_REPOSITORY_DIR)")
	}
	appRepo, err := credentials.NewAppInfoFileRepository(filepath.Join(dir, "app_info_data.txt"))
	if err != nil {
		return nil, err
	}
	userRepo, err := credentials.NewUserCredentialsFileRepository(filepath.Join(dir, "user_credentials_data.txt"))
	if err != nil {
		return nil, err
	}
	builder, err := storage.NewBuilder(o.providerName)
	if err != nil {
		return nil, err
	}
	builder.AppInfoRepository(appRepo, o.appName).
		UserCredentialsRepository(userRepo, o.userID)
	if forBootstrap {
		builder.ForBootstrap()
	}
	return builder.Build()
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "pcsapi",
		Short:         "provider-neutral personal cloud storage client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.providerName, "provider", "p", "", "provider name (dropbox, googledrive, hubic, onedrive, cloudme, rapidshare)")
	root.PersistentFlags().StringVar(&opts.appName, "app", "", "application name (optional if single app for provider)")
	root.PersistentFlags().StringVarP(&opts.userID, "user", "u", "", "user id (optional if single user for application)")
	root.PersistentFlags().StringVar(&opts.repositoryDir, "repository-dir", "", "directory holding credentials files (defaults to $PCS_API_REPOSITORY_DIR)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(
		newProvidersCommand(),
		newBootstrapCommand(opts),
		newUserIDCommand(opts),
		newQuotaCommand(opts),
		newLsCommand(opts),
		newMkdirCommand(opts),
		newRmCommand(opts),
		newGetCommand(opts),
		newPutCommand(opts),
	)
	return root
}

func newProvidersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "list registered providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range storage.Providers() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newBootstrapCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "fetch initial OAuth2 tokens for a user (interactive)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := opts.context()
			provider, err := opts.buildStorage(true)
			if err != nil {
				return err
			}
			oauthProvider, ok := provider.(interface {
				OAuth2SessionManager() *auth.OAuth2SessionManager
			})
			if !ok {
				return errors.Errorf("provider %s does not use OAuth2", provider.Name())
			}
			bootstrapper := auth.NewBootstrapper(oauthProvider.OAuth2SessionManager(), provider.UserID)
			return bootstrapper.DoCodeWorkflow(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func newUserIDCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "userid",
		Short: "print the account user id",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := opts.buildStorage(false)
			if err != nil {
				return err
			}
			userID, err := provider.UserID(opts.context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), userID)
			return nil
		},
	}
}

func newQuotaCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "print used and allowed bytes",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := opts.buildStorage(false)
			if err != nil {
				return err
			}
			quota, err := provider.Quota(opts.context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "used: %d\nallowed: %d\n", quota.UsedBytes, quota.AllowedBytes)
			if percent := quota.PercentUsed(); percent >= 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "percent used: %.1f%%\n", percent)
			}
			return nil
		},
	}
}

func newLsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ls <remote path>",
		Short: "list a remote folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := opts.buildStorage(false)
			if err != nil {
				return err
			}
			path, err := cpath.New(args[0])
			if err != nil {
				return err
			}
			content, err := provider.ListFolder(opts.context(), path)
			if err != nil {
				return err
			}
			if content == nil {
				return errors.Errorf("no folder at %s", path)
			}
			paths := make([]cpath.CPath, 0, len(content))
			for p := range content {
				paths = append(paths, p)
			}
			sort.Slice(paths, func(i, j int) bool { return paths[i].String() < paths[j].String() })
			for _, p := range paths {
				f := content[p]
				if f.IsFolder() {
					fmt.Fprintf(cmd.OutOrStdout(), "d %10s %s\n", "", p)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "- %10d %s\n", f.Length, p)
				}
			}
			return nil
		},
	}
}

func newMkdirCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <remote path>",
		Short: "create a remote folder (with intermediate folders)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := opts.buildStorage(false)
			if err != nil {
				return err
			}
			path, err := cpath.New(args[0])
			if err != nil {
				return err
			}
			created, err := provider.CreateFolder(opts.context(), path)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintln(cmd.OutOrStdout(), "already exists")
			}
			return nil
		},
	}
}

func newRmCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <remote path>",
		Short: "delete a remote blob or folder (recursive)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := opts.buildStorage(false)
			if err != nil {
				return err
			}
			path, err := cpath.New(args[0])
			if err != nil {
				return err
			}
			deleted, err := provider.Delete(opts.context(), path)
			if err != nil {
				return err
			}
			if !deleted {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to delete")
			}
			return nil
		},
	}
}

func newGetCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote path> <local file>",
		Short: "download a blob to a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := opts.buildStorage(false)
			if err != nil {
				return err
			}
			path, err := cpath.New(args[0])
			if err != nil {
				return err
			}
			sink := bytesio.NewFileSink(args[1], bytesio.TempNameDuringWrites(), bytesio.DeleteOnAbort())
			req := storage.NewDownloadRequest(path, sink).
				WithProgressListener(bytesio.NewWriterProgressListener(cmd.OutOrStdout()))
			return provider.Download(opts.context(), req)
		},
	}
}

func newPutCommand(opts *options) *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "put <local file> <remote path>",
		Short: "upload a local file (replacing any existing blob)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := opts.buildStorage(false)
			if err != nil {
				return err
			}
			path, err := cpath.New(args[1])
			if err != nil {
				return err
			}
			req := storage.NewUploadRequest(path, bytesio.NewFileSource(args[0])).
				WithProgressListener(bytesio.NewWriterProgressListener(cmd.OutOrStdout()))
			if contentType != "" {
				req.WithContentType(contentType)
			}
			return provider.Upload(opts.context(), req)
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "uploaded content type")
	return cmd
}
