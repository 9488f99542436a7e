package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"sitesign/internal/attachment"
	"sitesign/internal/domain"
	"sitesign/internal/engine"
	"sitesign/internal/repo"
)

func approvalCmd() *cobra.Command {
	c := &cobra.Command{Use: "approval", Aliases: []string{"ap"}, Short: "Work with approval requests"}
	c.AddCommand(approvalSubmitCmd())
	c.AddCommand(approvalListCmd())
	c.AddCommand(approvalPendingCmd())
	c.AddCommand(approvalShowCmd())
	c.AddCommand(approvalApproveCmd())
	c.AddCommand(approvalRejectCmd())
	c.AddCommand(approvalActionCmd("cancel-approval", "Withdraw the most recent step approval", engine.Engine.CancelApproval))
	c.AddCommand(approvalActionCmd("cancel-rejection", "Restart a rejected request from the first step", engine.Engine.CancelRejection))
	c.AddCommand(approvalEditCmd())
	c.AddCommand(approvalDeleteCmd())
	c.AddCommand(approvalArchiveCmd())
	c.AddCommand(approvalActionCmd("restore", "Restore an archived request", engine.Engine.Restore))
	c.AddCommand(approvalPurgeCmd())
	c.AddCommand(approvalMonthlyCmd())
	return c
}

func approvalRows(items []domain.ApprovalRequest) []table.Row {
	return lo.Map(items, func(r domain.ApprovalRequest, _ int) table.Row {
		return table.Row{r.ApprovalNumber, r.Title, r.SiteName, r.AuthorName, fmt.Sprintf("%s %d/%d", r.Status, r.CurrentStep, r.TotalSteps), r.ID}
	})
}

var approvalHeader = table.Row{"Number", "Title", "Site", "Author", "Status", "ID"}

// readAttachment turns a local file into an inline attachment.
func readAttachment(path string) (*domain.Attachment, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &domain.Attachment{
		Name:    filepath.Base(path),
		DataURL: attachment.Encode(http.DetectContentType(data), data),
	}, nil
}

func approvalSubmitCmd() *cobra.Command {
	var title, content, site, authorName, file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a request to a site's approval chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			att, err := readAttachment(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Submit(ctx, engine.SubmitOptions{
					Title: title, Content: content, SiteID: site, AuthorName: authorName, Attachment: att, ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&content, "content", "", "body text")
	cmd.Flags().StringVar(&site, "site", "", "site id")
	cmd.Flags().StringVar(&authorName, "author-name", "", "display name (default: your name)")
	cmd.Flags().StringVar(&file, "attachment", "", "file to attach")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("site")
	return cmd
}

func approvalListCmd() *cobra.Command {
	var status, site, author, query, from, to string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests visible to you",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.List(ctx, actorID(), repo.ApprovalFilter{
					Status: domain.Status(status), SiteID: site, AuthorID: author, Query: query, From: from, To: to, Limit: limit,
				})
				if err != nil {
					return err
				}
				return render(items, approvalHeader, approvalRows(items))
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, processing, approved or rejected")
	cmd.Flags().StringVar(&site, "site", "", "site id")
	cmd.Flags().StringVar(&author, "author", "", "author username")
	cmd.Flags().StringVarP(&query, "query", "q", "", "search title, content, number and author")
	cmd.Flags().StringVar(&from, "from", "", "created at or after (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "created before (RFC3339)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	return cmd
}

func approvalPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Requests waiting on your decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Pending(ctx, actorID())
				if err != nil {
					return err
				}
				return render(items, approvalHeader, approvalRows(items))
			})
		},
	}
}

func approvalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request with the actions you may take",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Get(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				caps, err := e.Permissions(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"request": req, "permissions": caps})
			})
		},
	}
}

func approvalApproveCmd() *cobra.Command {
	var version int
	var skip bool
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve the current step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Approve(ctx, engine.ApproveOptions{
					ActionOptions: engine.ActionOptions{ID: args[0], ActorID: actorID(), ExpectedVersion: version},
					SkipFirstStep: skip,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().IntVar(&version, "expected-version", 0, "fail unless the request is at this version")
	cmd.Flags().BoolVar(&skip, "skip-first-step", false, "bypass the first step (when the workspace allows it)")
	return cmd
}

func approvalRejectCmd() *cobra.Command {
	var version int
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject the current step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Reject(ctx, engine.RejectOptions{
					ActionOptions: engine.ActionOptions{ID: args[0], ActorID: actorID(), ExpectedVersion: version},
					Reason:        reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().IntVar(&version, "expected-version", 0, "fail unless the request is at this version")
	cmd.Flags().StringVar(&reason, "reason", "", "why the request is rejected")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

type approvalAction func(engine.Engine, context.Context, engine.ActionOptions) (domain.ApprovalRequest, error)

func approvalActionCmd(use, short string, action approvalAction) *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := action(e, ctx, engine.ActionOptions{ID: args[0], ActorID: actorID(), ExpectedVersion: version})
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().IntVar(&version, "expected-version", 0, "fail unless the request is at this version")
	return cmd
}

func approvalEditCmd() *cobra.Command {
	var version int
	var title, content, site, authorName, file string
	var clearAtt bool
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit your request; editing a rejected request resubmits it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			att, err := readAttachment(file)
			if err != nil {
				return err
			}
			opts := engine.EditOptions{
				ActionOptions:   engine.ActionOptions{ID: args[0], ActorID: actorID(), ExpectedVersion: version},
				Title:           changed(cmd, "title", title),
				Content:         changed(cmd, "content", content),
				SiteID:          changed(cmd, "site", site),
				AuthorName:      changed(cmd, "author-name", authorName),
				Attachment:      att,
				ClearAttachment: clearAtt,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Edit(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().IntVar(&version, "expected-version", 0, "fail unless the request is at this version")
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&content, "content", "", "new body text")
	cmd.Flags().StringVar(&site, "site", "", "move to another site")
	cmd.Flags().StringVar(&authorName, "author-name", "", "new display name")
	cmd.Flags().StringVar(&file, "attachment", "", "replace the attachment with this file")
	cmd.Flags().BoolVar(&clearAtt, "clear-attachment", false, "remove the attachment")
	return cmd
}

func approvalDeleteCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Move a request to the archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				archived, err := e.Delete(ctx, engine.ActionOptions{ID: args[0], ActorID: actorID(), ExpectedVersion: version})
				if err != nil {
					return err
				}
				fmt.Printf("archived %s (%s)\n", archived.ApprovalNumber, archived.ID)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&version, "expected-version", 0, "fail unless the request is at this version")
	return cmd
}

func approvalArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "List archived requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListArchived(ctx, actorID())
				if err != nil {
					return err
				}
				return render(items, table.Row{"Number", "Title", "Status", "Deleted", "By", "ID"},
					lo.Map(items, func(d domain.DeletedApproval, _ int) table.Row {
						return table.Row{d.ApprovalNumber, d.Title, d.Status, d.DeletedAt, d.DeletedBy, d.ID}
					}))
			})
		},
	}
}

func approvalPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <id>",
		Short: "Remove an archived request permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Purge(ctx, engine.ActionOptions{ID: args[0], ActorID: actorID()}); err != nil {
					return err
				}
				fmt.Println("purged", args[0])
				return nil
			})
		},
	}
}

func approvalMonthlyCmd() *cobra.Command {
	now := time.Now()
	var year, month int
	cmd := &cobra.Command{
		Use:   "monthly",
		Short: "Requests created in a calendar month",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Monthly(ctx, actorID(), year, time.Month(month))
				if err != nil {
					return err
				}
				return render(items, approvalHeader, approvalRows(items))
			})
		},
	}
	cmd.Flags().IntVar(&year, "year", now.Year(), "year")
	cmd.Flags().IntVar(&month, "month", int(now.Month()), "month (1-12)")
	return cmd
}
