package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kiln/internal/config"
	"kiln/internal/db"
	"kiln/internal/domain"
	"kiln/internal/engine"
	"kiln/internal/migrate"
	"kiln/internal/repo"
	"kiln/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Kiln build service control plane",
	Long: `Kiln coordinates package builds across a fleet of backend workers.
Core concepts:
- Chroots: the catalog of OS release/version/arch build targets; EOL ones
  keep serving old results until their preservation time runs out.
- Projects: per-owner build spaces (user or @group) with enabled chroots,
  permissions, and repository metadata settings.
- Builds: one submission fans out to one task per enabled chroot; tasks
  wait until the sources are imported, then the workers pick them up.
- Actions: createrepo, comps updates, deletions, and key generation
  queued for the backend; workers poll and report results.
- Permissions: per-project builder/admin tri-state (nothing, request,
  approved) reviewed by the project owners.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("KILN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "admin", "acting user name")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(chrootCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(permissionCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(gcCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actor := viper.GetString("actor")
				if _, err := r.GetUserByName(ctx, actor); errors.Is(err, repo.ErrNotFound) {
					if _, err := r.InsertUser(ctx, domain.User{Name: actor, Admin: true}); err != nil {
						return err
					}
					fmt.Printf("created admin user %q\n", actor)
				} else if err != nil {
					return err
				}
				fmt.Println("workspace ready at", db.Path(viper.GetString("workspace")))
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:    cfg.Auth.JWTSecret,
				BackendToken: cfg.Auth.BackendToken,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = os.Getenv("KILN_JWT_SECRET")
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret (or KILN_JWT_SECRET) is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Kiln API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userAddCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userSetAdminCmd())
	return user
}

func userAddCmd() *cobra.Command {
	var name string
	var admin bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				id, err := r.InsertUser(ctx, domain.User{Name: name, Admin: admin})
				if err != nil {
					return err
				}
				u, err := r.GetUser(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "user name")
	cmd.Flags().BoolVar(&admin, "admin", false, "instance admin")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Admin"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Admin})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userSetAdminCmd() *cobra.Command {
	var name string
	var admin bool
	cmd := &cobra.Command{
		Use:   "set-admin",
		Short: "Grant or revoke instance admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u, err := r.GetUserByName(ctx, name)
				if err != nil {
					return err
				}
				return r.SetUserAdmin(ctx, u.ID, admin)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "user name")
	cmd.Flags().BoolVar(&admin, "admin", true, "admin flag")
	return cmd
}

func groupCmd() *cobra.Command {
	grp := &cobra.Command{Use: "group", Short: "Manage groups"}
	grp.AddCommand(groupAddCmd())
	grp.AddCommand(groupMemberCmd(true))
	grp.AddCommand(groupMemberCmd(false))
	return grp
}

func groupAddCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				id, err := r.InsertGroup(ctx, domain.Group{Name: name})
				if err != nil {
					return err
				}
				return printJSON(domain.Group{ID: id, Name: name})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "group name")
	return cmd
}

func groupMemberCmd(add bool) *cobra.Command {
	use, short := "add-member", "Add a user to a group"
	if !add {
		use, short = "remove-member", "Remove a user from a group"
	}
	var group, user string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if group == "" || user == "" {
				return fmt.Errorf("--group and --user required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				g, err := r.GetGroupByName(ctx, group)
				if err != nil {
					return err
				}
				u, err := r.GetUserByName(ctx, user)
				if err != nil {
					return err
				}
				if add {
					return r.AddGroupUser(ctx, g.ID, u.ID)
				}
				return r.RemoveGroupUser(ctx, g.ID, u.ID)
			})
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "group name")
	cmd.Flags().StringVar(&user, "user", "", "user name")
	return cmd
}

func chrootCmd() *cobra.Command {
	chroot := &cobra.Command{Use: "chroot", Short: "Manage the chroot catalog"}
	chroot.AddCommand(chrootAddCmd())
	chroot.AddCommand(chrootListCmd())
	chroot.AddCommand(chrootActiveCmd(true))
	chroot.AddCommand(chrootActiveCmd(false))
	return chroot
}

func chrootAddCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a chroot (release-version-arch)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RegisterChroot(ctx, args[0])
				if err != nil {
					return err
				}
				if comment != "" {
					if err := e.Repo.SetMockChrootComment(ctx, m.ID, comment); err != nil {
						return err
					}
					m.Comment = comment
				}
				return printJSON(m)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "catalog comment")
	return cmd
}

func chrootListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List chroots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMockChroots(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Active", "Comment"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.Name(), m.IsActive, m.Comment})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active-only", false, "only active chroots")
	return cmd
}

func chrootActiveCmd(active bool) *cobra.Command {
	use, short := "activate <name>", "Reactivate a chroot"
	if !active {
		use, short = "deactivate <name>", "Mark a chroot EOL and start preservation clocks"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SetChrootActive(ctx, args[0], active)
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectChrootsCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectReposCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var owner, name, description string
	var chroots []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := currentActor(ctx, e)
				if err != nil {
					return err
				}
				p, err := e.CreateProject(ctx, actor, engine.ProjectCreateOptions{
					Owner:          owner,
					Name:           name,
					ChrootNames:    chroots,
					Description:    description,
					AutoCreaterepo: true,
					Appstream:      true,
				})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner (user or @group, defaults to the actor)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringSliceVar(&chroots, "chroot", nil, "chroot to enable (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var (
					items []domain.Project
					err   error
				)
				if all {
					items, err = r.ListProjects(ctx)
				} else {
					items, err = r.ListHomepageProjects(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "Persistent", "Description"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.FullName(), p.Persistent, p.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include unlisted projects")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <owner/name>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ResolveProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func projectChrootsCmd() *cobra.Command {
	var set []string
	cmd := &cobra.Command{
		Use:   "chroots <owner/name>",
		Short: "Show or set a project's enabled chroots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ResolveProject(ctx, args[0])
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("set") {
					actor, err := currentActor(ctx, e)
					if err != nil {
						return err
					}
					if err := e.SyncProjectChroots(ctx, actor, p, set); err != nil {
						return err
					}
				}
				items, err := e.Repo.ListProjectChroots(ctx, p.ID, false)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	cmd.Flags().StringSliceVar(&set, "set", nil, "replace the enabled chroot set")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <owner/name>",
		Short: "Delete a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ResolveProject(ctx, args[0])
				if err != nil {
					return err
				}
				actor, err := currentActor(ctx, e)
				if err != nil {
					return err
				}
				return e.DeleteProject(ctx, actor, p)
			})
		},
	}
	return cmd
}

func projectReposCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repos <owner/name>",
		Short: "Per-chroot repository URLs with published results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ResolveProject(ctx, args[0])
				if err != nil {
					return err
				}
				repos, err := e.YumRepos(ctx, p)
				if err != nil {
					return err
				}
				return printJSON(repos)
			})
		},
	}
	return cmd
}

func buildCmd() *cobra.Command {
	build := &cobra.Command{Use: "build", Short: "Manage builds"}
	build.AddCommand(buildSubmitCmd())
	build.AddCommand(buildListCmd())
	build.AddCommand(buildShowCmd())
	build.AddCommand(buildCancelCmd())
	build.AddCommand(buildDeleteCmd())
	return build
}

func buildCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <build-id>",
		Short: "Cancel a running build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid build id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := currentActor(ctx, e)
				if err != nil {
					return err
				}
				b, err := e.Repo.GetBuild(ctx, id)
				if err != nil {
					return err
				}
				canceled, err := e.CancelBuild(ctx, actor, b)
				if err != nil {
					return err
				}
				return printJSON(canceled)
			})
		},
	}
	return cmd
}

func buildSubmitCmd() *cobra.Command {
	var project, url, cloneURL, committish, subdir, specFile, dirName, packageName string
	var chroots []string
	var timeout int
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a build from a source package URL or an SCM checkout",
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" {
				return fmt.Errorf("--project required")
			}
			if (url == "") == (cloneURL == "") {
				return fmt.Errorf("exactly one of --url and --clone-url required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ResolveProject(ctx, project)
				if err != nil {
					return err
				}
				actor, err := currentActor(ctx, e)
				if err != nil {
					return err
				}
				opts := engine.BuildCreateOptions{
					DirName:     dirName,
					SourceType:  domain.SourceURL,
					SourceURL:   url,
					PackageName: packageName,
					ChrootNames: chroots,
					Timeout:     timeout,
				}
				if cloneURL != "" {
					opts.SourceType = domain.SourceSCM
					opts.CloneURL = cloneURL
					opts.Committish = committish
					opts.Subdirectory = subdir
					opts.SpecFile = specFile
				}
				b, err := e.CreateBuild(ctx, actor, p, opts)
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "owner/name")
	cmd.Flags().StringVar(&url, "url", "", "source package URL")
	cmd.Flags().StringVar(&cloneURL, "clone-url", "", "SCM repository to build from")
	cmd.Flags().StringVar(&committish, "committish", "", "branch, tag, or commit to check out")
	cmd.Flags().StringVar(&subdir, "subdir", "", "subdirectory inside the repository")
	cmd.Flags().StringVar(&specFile, "specfile", "", "path of the RPM specfile inside the checkout")
	cmd.Flags().StringVar(&dirName, "dir", "", "target project dir")
	cmd.Flags().StringVar(&packageName, "package", "", "package name")
	cmd.Flags().StringSliceVar(&chroots, "chroot", nil, "chroot subset (repeatable)")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "build timeout in seconds")
	return cmd
}

func buildListCmd() *cobra.Command {
	var project string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List builds in a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" {
				return fmt.Errorf("--project required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ResolveProject(ctx, project)
				if err != nil {
					return err
				}
				items, err := e.Repo.ListBuilds(ctx, p.ID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Package", "Version", "Source status"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.ID, b.PkgName, b.PkgVersion, b.SourceStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "owner/name")
	cmd.Flags().IntVar(&limit, "limit", 50, "max builds")
	return cmd
}

func buildShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <build-id>",
		Short: "Show a build with its per-chroot tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid build id %q", args[0])
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				b, err := r.GetBuild(ctx, id)
				if err != nil {
					return err
				}
				tasks, err := r.ListBuildChroots(ctx, b.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"build": b, "chroots": tasks})
			})
		},
	}
	return cmd
}

func buildDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <build-id>...",
		Short: "Delete builds (one project per batch)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid build id %q", arg)
				}
				ids = append(ids, id)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := currentActor(ctx, e)
				if err != nil {
					return err
				}
				return e.DeleteBuilds(ctx, actor, ids)
			})
		},
	}
	return cmd
}

func permissionCmd() *cobra.Command {
	perm := &cobra.Command{Use: "permission", Short: "Manage project permissions"}
	perm.AddCommand(permissionListCmd())
	perm.AddCommand(permissionSetCmd())
	return perm
}

func permissionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <owner/name>",
		Short: "List per-user permissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ResolveProject(ctx, args[0])
				if err != nil {
					return err
				}
				items, err := e.Repo.ListPermissions(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	return cmd
}

func permissionSetCmd() *cobra.Command {
	var user, builder, admin string
	cmd := &cobra.Command{
		Use:   "set <owner/name>",
		Short: "Set a user's builder/admin state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return fmt.Errorf("--user required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ResolveProject(ctx, args[0])
				if err != nil {
					return err
				}
				actor, err := currentActor(ctx, e)
				if err != nil {
					return err
				}
				target, err := e.Repo.GetUserByName(ctx, user)
				if err != nil {
					return err
				}
				if builder != "" {
					if _, err := e.SetPermission(ctx, actor, p, target, "builder", builder); err != nil {
						return err
					}
				}
				if admin != "" {
					if _, err := e.SetPermission(ctx, actor, p, target, "admin", admin); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "target user")
	cmd.Flags().StringVar(&builder, "builder", "", "builder state (nothing, request, approved)")
	cmd.Flags().StringVar(&admin, "admin", "", "admin state (nothing, request, approved)")
	return cmd
}

func actionCmd() *cobra.Command {
	action := &cobra.Command{Use: "action", Short: "Backend action queue"}
	action.AddCommand(actionListCmd())
	action.AddCommand(actionReportCmd())
	return action
}

func actionListCmd() *cobra.Command {
	var limit int
	var waiting bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var (
					items []domain.Action
					err   error
				)
				if waiting {
					items, err = r.ListWaitingActions(ctx, limit)
				} else {
					items, err = r.ListActions(ctx, limit)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Object", "Priority", "Result"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.ActionType, fmt.Sprintf("%s/%d", a.ObjectType, a.ObjectID), a.Priority, a.Result})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max actions")
	cmd.Flags().BoolVar(&waiting, "waiting", false, "only waiting actions, in dispatch order")
	return cmd
}

func actionReportCmd() *cobra.Command {
	var result string
	cmd := &cobra.Command{
		Use:   "report <action-id>",
		Short: "Report an action result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid action id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ReportActionResult(ctx, id, result)
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&result, "result", "success", "success or failure")
	return cmd
}

func queueCmd() *cobra.Command {
	queue := &cobra.Command{Use: "queue", Short: "Inspect the work queues"}
	queue.AddCommand(&cobra.Command{
		Use:   "importing",
		Short: "Builds awaiting source import",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ImportingQueue(ctx)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	})
	queue.AddCommand(&cobra.Command{
		Use:   "builds",
		Short: "Per-chroot tasks ready for the workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.PendingBuildTasks(ctx, true)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	})
	queue.AddCommand(&cobra.Command{
		Use:   "srpms",
		Short: "Source builds ready for the workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.PendingSrpmTasks(ctx, true)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	})
	return queue
}

func gcCmd() *cobra.Command {
	gc := &cobra.Command{Use: "gc", Short: "Housekeeping"}
	gc.AddCommand(&cobra.Command{
		Use:   "old-builds",
		Short: "Prune finished builds beyond each package's max_builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := currentActor(ctx, e)
				if err != nil {
					return err
				}
				return e.CleanOldBuilds(ctx, actor)
			})
		},
	})
	gc.AddCommand(&cobra.Command{
		Use:   "outdated-chroots",
		Short: "Project chroots inside their preservation window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.OutdatedProjectChroots(ctx)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	})
	gc.AddCommand(&cobra.Command{
		Use:   "purge-eligible",
		Short: "Project chroots whose preservation time ran out",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.PurgeEligibleProjectChroots(ctx)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	})
	return gc
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyListCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, user)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "filter by user")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func currentActor(ctx context.Context, e engine.Engine) (domain.User, error) {
	name := viper.GetString("actor")
	u, err := e.Repo.GetUserByName(ctx, name)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, fmt.Errorf("unknown actor %q; run 'kiln init' or 'kiln user add'", name)
	}
	return u, err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
