package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/varenq/legion/engine/account"
	"github.com/varenq/legion/errors"
)

// AccountCmd groups account roster operations.
var AccountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage the account roster",
	Long: `Manage the account roster.

Accounts are the identities jobs fan out over. Disabled accounts are
skipped when a step resolves its targets.

Examples:
  legion account add --username warlord_7 --display-name "Warlord VII"
  legion account list --all
  legion account disable 12
  legion account credentials 12 --credentials '{"session": "abc..."}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		displayName, _ := cmd.Flags().GetString("display-name")
		credentials, _ := cmd.Flags().GetString("credentials")
		disabled, _ := cmd.Flags().GetBool("disabled")
		return runAccountAdd(username, displayName, credentials, disabled)
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		return runAccountList(all)
	},
}

var accountEnableCmd = &cobra.Command{
	Use:   "enable <account-id>",
	Short: "Enable an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAccountSetEnabled(args[0], true)
	},
}

var accountDisableCmd = &cobra.Command{
	Use:   "disable <account-id>",
	Short: "Disable an account",
	Long:  "Disable an account. Steps resolving their targets skip it until re-enabled.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAccountSetEnabled(args[0], false)
	},
}

var accountCredentialsCmd = &cobra.Command{
	Use:   "credentials <account-id>",
	Short: "Replace an account's stored credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		credentials, _ := cmd.Flags().GetString("credentials")
		return runAccountCredentials(args[0], credentials)
	},
}

var accountRemoveCmd = &cobra.Command{
	Use:   "remove <account-id>",
	Short: "Remove an account from the roster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return runAccountRemove(args[0], force)
	},
}

// GroupCmd groups account group operations.
var GroupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage account groups",
	Long: `Manage account groups.

Groups name reusable sets of accounts that job steps can target with
group_ids instead of enumerating account ids.

Examples:
  legion group add --name raiders --description "Weekend raid set"
  legion group assign 2 14 15 16
  legion group members 2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var groupAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a group",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		description, _ := cmd.Flags().GetString("description")
		return runGroupAdd(name, description)
	},
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGroupList()
	},
}

var groupMembersCmd = &cobra.Command{
	Use:   "members <group-id>",
	Short: "List a group's member accounts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGroupMembers(args[0])
	},
}

var groupAssignCmd = &cobra.Command{
	Use:   "assign <group-id> <account-id>...",
	Short: "Add accounts to a group",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGroupAssign(args[0], args[1:], true)
	},
}

var groupUnassignCmd = &cobra.Command{
	Use:   "unassign <group-id> <account-id>...",
	Short: "Remove accounts from a group",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGroupAssign(args[0], args[1:], false)
	},
}

var groupDeleteCmd = &cobra.Command{
	Use:   "delete <group-id>",
	Short: "Delete a group",
	Long:  "Delete a group and its memberships. Member accounts themselves are untouched.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGroupDelete(args[0])
	},
}

func init() {
	accountAddCmd.Flags().String("username", "", "Unique username (required)")
	accountAddCmd.Flags().String("display-name", "", "Human-facing name")
	accountAddCmd.Flags().String("credentials", "", "Opaque credential blob as JSON")
	accountAddCmd.Flags().Bool("disabled", false, "Register the account disabled")

	accountListCmd.Flags().Bool("all", false, "Include disabled accounts")

	accountCredentialsCmd.Flags().String("credentials", "", "New credential blob as JSON (required)")

	accountRemoveCmd.Flags().Bool("force", false, "Skip the confirmation prompt")

	AccountCmd.AddCommand(accountAddCmd)
	AccountCmd.AddCommand(accountListCmd)
	AccountCmd.AddCommand(accountEnableCmd)
	AccountCmd.AddCommand(accountDisableCmd)
	AccountCmd.AddCommand(accountCredentialsCmd)
	AccountCmd.AddCommand(accountRemoveCmd)

	groupAddCmd.Flags().String("name", "", "Unique group name (required)")
	groupAddCmd.Flags().String("description", "", "Group description")

	GroupCmd.AddCommand(groupAddCmd)
	GroupCmd.AddCommand(groupListCmd)
	GroupCmd.AddCommand(groupMembersCmd)
	GroupCmd.AddCommand(groupAssignCmd)
	GroupCmd.AddCommand(groupUnassignCmd)
	GroupCmd.AddCommand(groupDeleteCmd)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, errors.Newf("%q is not a numeric id", arg)
	}
	return id, nil
}

func runAccountAdd(username, displayName, credentials string, disabled bool) error {
	if username == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "--username is required")
	}
	if credentials != "" && !json.Valid([]byte(credentials)) {
		return errors.Wrap(errors.ErrInvalidRequest, "--credentials is not valid JSON")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	a := &account.Account{
		Username:    username,
		DisplayName: displayName,
		Enabled:     !disabled,
	}
	if credentials != "" {
		a.Credentials = json.RawMessage(credentials)
	}
	if err := account.NewStore(database).CreateAccount(context.Background(), a); err != nil {
		return err
	}
	pterm.Success.Printf("Account %d registered (%s)\n", a.ID, a.Label())
	return nil
}

func runAccountList(includeDisabled bool) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	accounts, err := account.NewStore(database).ListAccounts(context.Background(), !includeDisabled)
	if err != nil {
		return err
	}

	if len(accounts) == 0 {
		fmt.Println("No accounts found")
		return nil
	}

	fmt.Printf("%-6s %-20s %-25s %-8s %s\n", "ID", "USERNAME", "DISPLAY NAME", "ENABLED", "CREATED")
	fmt.Printf("%-6s %-20s %-25s %-8s %s\n", "--", "--------", "------------", "-------", "-------")
	for _, a := range accounts {
		fmt.Printf("%-6d %-20s %-25s %-8t %s\n",
			a.ID,
			truncate(a.Username, 20),
			truncate(a.DisplayName, 25),
			a.Enabled,
			a.CreatedAt.Local().Format("2006-01-02"))
	}
	fmt.Printf("\nTotal: %d account(s)\n", len(accounts))
	return nil
}

func runAccountSetEnabled(arg string, enabled bool) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	if err := account.NewStore(database).SetEnabled(context.Background(), id, enabled); err != nil {
		return err
	}
	if enabled {
		pterm.Success.Printf("Account %d enabled\n", id)
	} else {
		pterm.Success.Printf("Account %d disabled\n", id)
	}
	return nil
}

func runAccountCredentials(arg, credentials string) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	if credentials == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "--credentials is required")
	}
	if !json.Valid([]byte(credentials)) {
		return errors.Wrap(errors.ErrInvalidRequest, "--credentials is not valid JSON")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	if err := account.NewStore(database).UpdateCredentials(context.Background(), id, []byte(credentials)); err != nil {
		return err
	}
	pterm.Success.Printf("Account %d credentials updated\n", id)
	return nil
}

func runAccountRemove(arg string, force bool) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	if !force {
		pterm.Warning.Println("Removing an account also drops its group memberships. Re-run with --force, or use 'legion account disable' to keep it.")
		return nil
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	if err := account.NewStore(database).DeleteAccount(context.Background(), id); err != nil {
		return err
	}
	pterm.Success.Printf("Account %d removed\n", id)
	return nil
}

func runGroupAdd(name, description string) error {
	if name == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "--name is required")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	g := &account.Group{Name: name, Description: description}
	if err := account.NewStore(database).CreateGroup(context.Background(), g); err != nil {
		return err
	}
	pterm.Success.Printf("Group %d created (%s)\n", g.ID, g.Name)
	return nil
}

func runGroupList() error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := account.NewStore(database)
	ctx := context.Background()
	groups, err := store.ListGroups(ctx)
	if err != nil {
		return err
	}

	if len(groups) == 0 {
		fmt.Println("No groups found")
		return nil
	}

	fmt.Printf("%-6s %-20s %-8s %s\n", "ID", "NAME", "MEMBERS", "DESCRIPTION")
	fmt.Printf("%-6s %-20s %-8s %s\n", "--", "----", "-------", "-----------")
	for _, g := range groups {
		members, err := store.Members(ctx, g.ID)
		if err != nil {
			return err
		}
		fmt.Printf("%-6d %-20s %-8d %s\n", g.ID, truncate(g.Name, 20), len(members), g.Description)
	}
	fmt.Printf("\nTotal: %d group(s)\n", len(groups))
	return nil
}

func runGroupMembers(arg string) error {
	groupID, err := parseID(arg)
	if err != nil {
		return err
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := account.NewStore(database)
	ctx := context.Background()
	g, err := store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	members, err := store.Members(ctx, groupID)
	if err != nil {
		return err
	}

	fmt.Printf("Group %d (%s): %d member(s)\n", g.ID, g.Name, len(members))
	for _, a := range members {
		state := ""
		if !a.Enabled {
			state = "  [disabled]"
		}
		fmt.Printf("  %-6d %s%s\n", a.ID, a.Label(), state)
	}
	return nil
}

func runGroupAssign(groupArg string, accountArgs []string, add bool) error {
	groupID, err := parseID(groupArg)
	if err != nil {
		return err
	}
	accountIDs := make([]int64, 0, len(accountArgs))
	for _, arg := range accountArgs {
		id, err := parseID(arg)
		if err != nil {
			return err
		}
		accountIDs = append(accountIDs, id)
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := account.NewStore(database)
	ctx := context.Background()
	for _, accountID := range accountIDs {
		if add {
			err = store.AddToGroup(ctx, groupID, accountID)
		} else {
			err = store.RemoveFromGroup(ctx, groupID, accountID)
		}
		if err != nil {
			return err
		}
	}
	if add {
		pterm.Success.Printf("Added %d account(s) to group %d\n", len(accountIDs), groupID)
	} else {
		pterm.Success.Printf("Removed %d account(s) from group %d\n", len(accountIDs), groupID)
	}
	return nil
}

func runGroupDelete(arg string) error {
	groupID, err := parseID(arg)
	if err != nil {
		return err
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	if err := account.NewStore(database).DeleteGroup(context.Background(), groupID); err != nil {
		return err
	}
	pterm.Success.Printf("Group %d deleted\n", groupID)
	return nil
}
