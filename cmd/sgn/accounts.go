package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"sitesign/internal/domain"
	"sitesign/internal/engine"
)

func siteCmd() *cobra.Command {
	c := &cobra.Command{Use: "site", Short: "Manage sites and their approval chains"}
	var id, name, location, manager string
	var approvers []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a site",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				site, err := e.CreateSite(ctx, engine.SiteOptions{
					ID: id, Name: name, Location: location, Manager: manager, Approvers: approvers, ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(site)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "site id (generated when empty)")
	create.Flags().StringVar(&name, "name", "", "site name")
	create.Flags().StringVar(&location, "location", "", "address")
	create.Flags().StringVar(&manager, "manager", "", "username of the site manager")
	create.Flags().StringSliceVar(&approvers, "approver", nil, "approval step label, repeat in chain order")
	_ = create.MarkFlagRequired("name")
	c.AddCommand(create)

	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sites, err := e.ListSites(ctx)
				if err != nil {
					return err
				}
				return render(sites, table.Row{"ID", "Name", "Manager", "Steps", "Chain"}, lo.Map(sites, func(s domain.Site, _ int) table.Row {
					return table.Row{s.ID, s.Name, s.Manager, s.Steps, strings.Join(s.Approvers, " > ")}
				}))
			})
		},
	})

	var uName, uLocation, uManager string
	var uApprovers []string
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a site; open requests keep their chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.SiteUpdateOptions{
				ID:        args[0],
				Name:      changed(cmd, "name", uName),
				Location:  changed(cmd, "location", uLocation),
				Manager:   changed(cmd, "manager", uManager),
				Approvers: uApprovers,
				ActorID:   actorID(),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				site, err := e.UpdateSite(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(site)
			})
		},
	}
	update.Flags().StringVar(&uName, "name", "", "site name")
	update.Flags().StringVar(&uLocation, "location", "", "address")
	update.Flags().StringVar(&uManager, "manager", "", "username of the site manager")
	update.Flags().StringSliceVar(&uApprovers, "approver", nil, "replace the chain, repeat in order")
	c.AddCommand(update)

	c.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a site with no open requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteSite(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	})
	return c
}

var userHeader = table.Row{"Username", "Name", "Role", "Phone", "Email"}

func userRows(users []domain.User) []table.Row {
	return lo.Map(users, func(u domain.User, _ int) table.Row {
		return table.Row{u.Username, u.Name, u.Role, u.Phone, u.Email}
	})
}

func userCmd() *cobra.Command {
	c := &cobra.Command{Use: "user", Short: "Manage accounts and registrations"}
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.ListUsers(ctx, actorID())
				if err != nil {
					return err
				}
				return render(users, userHeader, userRows(users))
			})
		},
	})

	var reg engine.RegisterOptions
	register := &cobra.Command{
		Use:   "register",
		Short: "File a registration request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Register(ctx, reg)
				if err != nil {
					return err
				}
				fmt.Printf("registration %s filed for %s, waiting for headquarters\n", req.ID, req.Username)
				return nil
			})
		},
	}
	register.Flags().StringVar(&reg.Username, "username", "", "login id")
	register.Flags().StringVar(&reg.Password, "password", "", "password")
	register.Flags().StringVar(&reg.Name, "name", "", "display name")
	register.Flags().StringVar(&reg.Role, "role", "site", "headquarters, site or other")
	register.Flags().StringVar(&reg.Phone, "phone", "", "phone")
	register.Flags().StringVar(&reg.Email, "email", "", "email")
	_ = register.MarkFlagRequired("username")
	_ = register.MarkFlagRequired("password")
	c.AddCommand(register)

	var status string
	requests := &cobra.Command{
		Use:   "requests",
		Short: "List registration requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListUserRequests(ctx, actorID(), domain.RequestStatus(status))
				if err != nil {
					return err
				}
				return render(items, table.Row{"ID", "Username", "Name", "Role", "Status", "Requested"},
					lo.Map(items, func(r domain.UserRequest, _ int) table.Row {
						return table.Row{r.ID, r.Username, r.Name, r.Role, r.Status, r.RequestedAt}
					}))
			})
		},
	}
	requests.Flags().StringVar(&status, "status", "pending", "pending, approved, rejected or empty for all")
	c.AddCommand(requests)

	c.AddCommand(&cobra.Command{
		Use:   "accept <request-id>",
		Short: "Accept a registration and create the account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.AcceptRequest(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	})

	var reason string
	decline := &cobra.Command{
		Use:   "decline <request-id>",
		Short: "Decline a registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.DeclineRequest(ctx, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	decline.Flags().StringVar(&reason, "reason", "", "reason shown to the applicant")
	c.AddCommand(decline)

	var name, phone, email, role string
	update := &cobra.Command{
		Use:   "update <username>",
		Short: "Update a user; role changes need headquarters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.UserUpdateOptions{
				Username: args[0],
				ActorID:  actorID(),
				Name:     changed(cmd, "name", name),
				Phone:    changed(cmd, "phone", phone),
				Email:    changed(cmd, "email", email),
				Role:     changed(cmd, "role", role),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.UpdateUser(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	update.Flags().StringVar(&name, "name", "", "display name")
	update.Flags().StringVar(&phone, "phone", "", "phone")
	update.Flags().StringVar(&email, "email", "", "email")
	update.Flags().StringVar(&role, "role", "", "headquarters, site or other")
	c.AddCommand(update)

	var current, next string
	passwd := &cobra.Command{
		Use:   "passwd",
		Short: "Change your password",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ChangePassword(ctx, actorID(), current, next); err != nil {
					return err
				}
				fmt.Println("password changed")
				return nil
			})
		},
	}
	passwd.Flags().StringVar(&current, "current", "", "current password")
	passwd.Flags().StringVar(&next, "new", "", "new password")
	_ = passwd.MarkFlagRequired("current")
	_ = passwd.MarkFlagRequired("new")
	c.AddCommand(passwd)

	c.AddCommand(&cobra.Command{
		Use:   "remove <username>",
		Short: "Move a user to the removed list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.RemoveUser(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("removed", args[0])
				return nil
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "deleted",
		Short: "List removed users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.ListDeletedUsers(ctx, actorID())
				if err != nil {
					return err
				}
				return render(users, table.Row{"Username", "Name", "Role", "Removed", "By"}, lo.Map(users, func(u domain.DeletedUser, _ int) table.Row {
					return table.Row{u.Username, u.Name, u.Role, u.DeletedAt, u.DeletedBy}
				}))
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "restore <username>",
		Short: "Restore a removed user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.RestoreUser(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "purge <username>",
		Short: "Remove a removed user permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.PurgeUser(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("purged", args[0])
				return nil
			})
		},
	})
	return c
}

func notificationRows(items []domain.Notification) []table.Row {
	return lo.Map(items, func(n domain.Notification, _ int) table.Row {
		mark := " "
		if !n.Read {
			mark = "*"
		}
		return table.Row{mark, n.CreatedAt, n.Type, n.Title, n.Message, n.ID}
	})
}

var notificationHeader = table.Row{"", "Time", "Type", "Title", "Message", "ID"}

func notifyCmd() *cobra.Command {
	c := &cobra.Command{Use: "notify", Short: "Read your notifications"}
	var unread bool
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Inbox(ctx, engine.InboxOptions{ActorID: actorID(), UnreadOnly: unread, Limit: limit})
				if err != nil {
					return err
				}
				return render(items, notificationHeader, notificationRows(items))
			})
		},
	}
	list.Flags().BoolVar(&unread, "unread", false, "only unread")
	list.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	c.AddCommand(list)

	c.AddCommand(&cobra.Command{
		Use:   "read <id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				_, err := e.MarkRead(ctx, args[0], actorID())
				return err
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "read-all",
		Short: "Mark every notification read",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.MarkAllRead(ctx, actorID())
				if err != nil {
					return err
				}
				fmt.Printf("%d marked read\n", n)
				return nil
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteNotification(ctx, args[0], actorID())
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every notification addressed to you",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ClearInbox(ctx, actorID())
				if err != nil {
					return err
				}
				fmt.Printf("%d deleted\n", n)
				return nil
			})
		},
	})

	var title, message string
	broadcast := &cobra.Command{
		Use:   "broadcast",
		Short: "Post a system notice to everyone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.Broadcast(ctx, actorID(), title, message)
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	broadcast.Flags().StringVar(&title, "title", "", "title")
	broadcast.Flags().StringVar(&message, "message", "", "message")
	_ = broadcast.MarkFlagRequired("title")
	c.AddCommand(broadcast)

	var interval time.Duration
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Keep pending notifications armed and print new ones until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				seen := map[string]bool{}
				p := e.Poller()
				p.Users = []string{actorID()}
				if interval > 0 {
					p.Interval = interval
				}
				p.OnSweep = func(int, error) {
					items, err := e.Inbox(ctx, engine.InboxOptions{ActorID: actorID(), UnreadOnly: true})
					if err != nil {
						return
					}
					fresh := lo.Filter(items, func(n domain.Notification, _ int) bool { return !seen[n.ID] })
					for _, n := range fresh {
						seen[n.ID] = true
					}
					if len(fresh) > 0 {
						_ = render(fresh, notificationHeader, notificationRows(fresh))
					}
				}
				return p.Run(ctx)
			})
		},
	}
	watch.Flags().DurationVar(&interval, "interval", 0, "poll interval (default notifications.poll_interval)")
	c.AddCommand(watch)
	return c
}
