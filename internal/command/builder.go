package command

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mboxkit/mboxkit/internal/channel"
)

var (
	guidPattern   = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	propPattern   = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	cmdletPattern = regexp.MustCompile(`^[A-Za-z]+-[A-Za-z]+$`)
	paramPattern  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*$`)
)

// Default property set for inactive mailbox queries.
var defaultMailboxProperties = []string{
	"ExchangeGuid",
	"Guid",
	"DisplayName",
	"PrimarySmtpAddress",
	"UserPrincipalName",
	"WhenSoftDeleted",
	"WhenCreated",
	"InPlaceHolds",
	"LitigationHoldEnabled",
	"LitigationHoldDate",
	"RetentionPolicy",
	"RetainDeletedItemsFor",
	"SingleItemRecoveryEnabled",
	"ArchiveStatus",
	"ArchiveGuid",
	"RecipientTypeDetails",
	"ExternalDirectoryObjectId",
}

var statisticsProperties = []string{
	"DisplayName",
	"TotalItemSize",
	"ItemCount",
	"TotalDeletedItemSize",
	"DeletedItemCount",
	"LastLogonTime",
	"LastLogoffTime",
}

// Builder produces PowerShell command descriptors for Exchange Online
// operations. All string parameters pass through single-quote escaping so the
// resulting commands are safe from injection.
type Builder struct{}

// NewBuilder constructs a Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// escapeParameter doubles embedded single quotes and wraps the value.
func (b *Builder) escapeParameter(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// escapeIdentity handles GUID or address identities.
func (b *Builder) escapeIdentity(identity string) string {
	if guidPattern.MatchString(identity) {
		return "'" + identity + "'"
	}
	return b.escapeParameter(identity)
}

func (b *Builder) formatProperties(properties []string) string {
	valid := make([]string, 0, len(properties))
	for _, prop := range properties {
		if propPattern.MatchString(prop) {
			valid = append(valid, prop)
		}
	}
	if len(valid) == 0 {
		return "*"
	}
	return strings.Join(valid, ", ")
}

// BuildConnect creates the session-establishment command. Marked sensitive
// so the token is redacted from logs.
func (b *Builder) BuildConnect(accessToken, organization string) channel.Command {
	text := fmt.Sprintf(`
$token = %s
Connect-ExchangeOnline -AccessToken $token -Organization %s -ShowBanner:$false
Write-Output 'Connected'
`, b.escapeParameter(accessToken), b.escapeParameter(organization))
	return channel.Command{Text: strings.TrimSpace(text), Sensitive: true}
}

// BuildDisconnect tears down the remote session.
func (b *Builder) BuildDisconnect() channel.Command {
	return channel.Command{Text: "Disconnect-ExchangeOnline -Confirm:$false -ErrorAction SilentlyContinue"}
}

// BuildTestConnection is the minimal liveness probe.
func (b *Builder) BuildTestConnection() channel.Command {
	return channel.Command{Text: "Get-EXOMailbox -ResultSize 1 -ErrorAction Stop | Select-Object -First 1 | ConvertTo-Json"}
}

// BuildGetInactiveMailboxes lists inactive mailboxes with the default
// property set. resultSize <= 0 means unlimited.
func (b *Builder) BuildGetInactiveMailboxes(resultSize int) channel.Command {
	size := "Unlimited"
	if resultSize > 0 {
		size = fmt.Sprintf("%d", resultSize)
	}
	text := fmt.Sprintf(`Get-EXOMailbox -InactiveMailboxOnly -ResultSize %s -PropertySets All |
    Select-Object %s |
    ConvertTo-Json -Depth 10 -Compress`, size, b.formatProperties(defaultMailboxProperties))
	return channel.Command{Text: text}
}

// BuildCountInactiveMailboxes counts all inactive mailboxes.
func (b *Builder) BuildCountInactiveMailboxes() channel.Command {
	return channel.Command{Text: "(Get-EXOMailbox -InactiveMailboxOnly -ResultSize Unlimited).Count"}
}

// BuildGetMailboxDetails fetches the full detail snapshot for one mailbox.
func (b *Builder) BuildGetMailboxDetails(identity string) channel.Command {
	text := fmt.Sprintf(`Get-EXOMailbox -Identity %s -PropertySets All |
    Select-Object %s |
    ConvertTo-Json -Depth 10`, b.escapeIdentity(identity), b.formatProperties(defaultMailboxProperties))
	return channel.Command{Text: text}
}

// BuildGetMailboxStatistics fetches size and item counters for one mailbox.
func (b *Builder) BuildGetMailboxStatistics(identity string) channel.Command {
	text := fmt.Sprintf(`Get-EXOMailboxStatistics -Identity %s |
    Select-Object %s |
    ConvertTo-Json -Depth 10`, b.escapeIdentity(identity), b.formatProperties(statisticsProperties))
	return channel.Command{Text: text}
}

// BuildGetMailboxHolds fetches the hold snapshot for one mailbox.
func (b *Builder) BuildGetMailboxHolds(identity string) channel.Command {
	escaped := b.escapeIdentity(identity)
	text := fmt.Sprintf(`$mbx = Get-EXOMailbox -Identity %s -PropertySets Hold
$result = [PSCustomObject]@{
    Identity = $mbx.ExchangeGuid
    DisplayName = $mbx.DisplayName
    InPlaceHolds = $mbx.InPlaceHolds
    LitigationHoldEnabled = $mbx.LitigationHoldEnabled
    LitigationHoldDate = $mbx.LitigationHoldDate
    LitigationHoldOwner = $mbx.LitigationHoldOwner
    LitigationHoldDuration = $mbx.LitigationHoldDuration
    RetentionPolicy = $mbx.RetentionPolicy
    RetentionHoldEnabled = $mbx.RetentionHoldEnabled
    DelayHoldApplied = $mbx.DelayHoldApplied
    DelayReleaseHoldApplied = $mbx.DelayReleaseHoldApplied
    ComplianceTagHoldApplied = $mbx.ComplianceTagHoldApplied
}
$result | ConvertTo-Json -Depth 10`, escaped)
	return channel.Command{Text: text}
}

// BuildPreflight assembles the recovery pre-flight snapshot, including the
// AuxPrimary shard determination and a server-side blocker summary.
func (b *Builder) BuildPreflight(identity string) channel.Command {
	escaped := b.escapeIdentity(identity)
	text := fmt.Sprintf(`$mbx = Get-EXOMailbox -Identity %s -PropertySets Archive, Hold, SoftDelete
$mailboxLocation = Get-MailboxLocation -Identity %s -ErrorAction SilentlyContinue

$result = [PSCustomObject]@{
    Identity = $mbx.ExchangeGuid
    DisplayName = $mbx.DisplayName
    WhenSoftDeleted = if ($mbx.WhenSoftDeleted) { $mbx.WhenSoftDeleted.ToString('o') } else { $null }
    ArchiveStatus = $mbx.ArchiveStatus
    ArchiveGuid = $mbx.ArchiveGuid
    AutoExpandingArchiveEnabled = $mbx.AutoExpandingArchiveEnabled
    MailboxLocationType = if ($mailboxLocation) { $mailboxLocation.MailboxLocationType } else { 'Unknown' }
    IsAuxPrimary = if ($mailboxLocation) { $mailboxLocation.MailboxLocationType -eq 'AuxPrimary' } else { $false }
    HasHolds = ($mbx.InPlaceHolds.Count -gt 0) -or $mbx.LitigationHoldEnabled
    HoldCount = $mbx.InPlaceHolds.Count
    InPlaceHolds = $mbx.InPlaceHolds
    LitigationHold = $mbx.LitigationHoldEnabled
    DelayHoldApplied = $mbx.DelayHoldApplied
    DelayReleaseHoldApplied = $mbx.DelayReleaseHoldApplied
}
$result | ConvertTo-Json -Depth 10`, escaped, escaped)
	return channel.Command{Text: text}
}

// BuildCheckMailboxExists resolves an identity, returning empty output when
// no mailbox matches.
func (b *Builder) BuildCheckMailboxExists(identity string) channel.Command {
	text := fmt.Sprintf(`Get-EXOMailbox -Identity %s -ErrorAction SilentlyContinue |
    Select-Object ExchangeGuid, UserPrincipalName, RecipientTypeDetails |
    ConvertTo-Json`, b.escapeIdentity(identity))
	return channel.Command{Text: text}
}

// BuildCheckSMTPExists resolves an SMTP address against all recipients.
func (b *Builder) BuildCheckSMTPExists(smtpAddress string) channel.Command {
	// The filter string uses embedded quoting, so strip quotes from the
	// address rather than relying on escaping alone.
	cleaned := strings.Map(func(r rune) rune {
		if r == '\'' || r == '"' {
			return -1
		}
		return r
	}, smtpAddress)
	text := fmt.Sprintf(`Get-EXORecipient -Filter "EmailAddresses -eq 'smtp:%s'" -ErrorAction SilentlyContinue |
    Select-Object RecipientType, PrimarySmtpAddress |
    ConvertTo-Json`, cleaned)
	return channel.Command{Text: text}
}

// RecoveryParams carries inputs for BuildRecovery.
type RecoveryParams struct {
	SourceGUID    string
	DisplayName   string
	UPN           string
	Password      string
	FirstName     string
	LastName      string
	ResetPassword bool
}

// BuildRecovery creates a new active mailbox from an inactive one. Marked
// sensitive because the command carries the initial password.
func (b *Builder) BuildRecovery(p RecoveryParams) channel.Command {
	parts := []string{
		fmt.Sprintf("New-Mailbox -InactiveMailbox %s", b.escapeIdentity(p.SourceGUID)),
		fmt.Sprintf("-Name %s", b.escapeParameter(p.DisplayName)),
		fmt.Sprintf("-DisplayName %s", b.escapeParameter(p.DisplayName)),
		fmt.Sprintf("-MicrosoftOnlineServicesID %s", b.escapeParameter(p.UPN)),
		fmt.Sprintf("-Password (ConvertTo-SecureString -String %s -AsPlainText -Force)", b.escapeParameter(p.Password)),
	}

	if p.FirstName != "" {
		parts = append(parts, fmt.Sprintf("-FirstName %s", b.escapeParameter(p.FirstName)))
	}
	if p.LastName != "" {
		parts = append(parts, fmt.Sprintf("-LastName %s", b.escapeParameter(p.LastName)))
	}
	if p.ResetPassword {
		parts = append(parts, "-ResetPasswordOnNextLogon $true")
	}

	return channel.Command{Text: strings.Join(parts, " ") + " | ConvertTo-Json -Depth 10", Sensitive: true}
}

// RestoreParams carries inputs for BuildRestore.
type RestoreParams struct {
	SourceMailbox         string
	TargetMailbox         string
	TargetRootFolder      string
	AllowLegacyDNMismatch bool
	ConflictResolution    string
	BatchName             string
}

// BuildRestore creates an asynchronous mailbox restore request.
func (b *Builder) BuildRestore(p RestoreParams) channel.Command {
	parts := []string{
		fmt.Sprintf("New-MailboxRestoreRequest -SourceMailbox %s", b.escapeIdentity(p.SourceMailbox)),
		fmt.Sprintf("-TargetMailbox %s", b.escapeIdentity(p.TargetMailbox)),
	}

	if p.TargetRootFolder != "" {
		parts = append(parts, fmt.Sprintf("-TargetRootFolder %s", b.escapeParameter(p.TargetRootFolder)))
	}
	if p.AllowLegacyDNMismatch {
		parts = append(parts, "-AllowLegacyDNMismatch")
	}
	if p.ConflictResolution != "" {
		parts = append(parts, fmt.Sprintf("-ConflictResolutionOption %s", p.ConflictResolution))
	}
	if p.BatchName != "" {
		parts = append(parts, fmt.Sprintf("-BatchName %s", b.escapeParameter(p.BatchName)))
	}

	return channel.Command{Text: strings.Join(parts, " ") + " | ConvertTo-Json -Depth 10"}
}

// BuildRestoreStatus fetches progress statistics for one restore request.
func (b *Builder) BuildRestoreStatus(requestIdentity string) channel.Command {
	text := fmt.Sprintf(`Get-MailboxRestoreRequest -Identity %s |
    Get-MailboxRestoreRequestStatistics |
    Select-Object Name, Status, PercentComplete, ItemsTransferred, BytesTransferred, BadItemsEncountered |
    ConvertTo-Json -Depth 10`, b.escapeParameter(requestIdentity))
	return channel.Command{Text: text}
}

// BuildListRestoreRequests lists restore requests, optionally by batch name.
func (b *Builder) BuildListRestoreRequests(batchName string) channel.Command {
	if batchName != "" {
		return channel.Command{Text: fmt.Sprintf("Get-MailboxRestoreRequest -BatchName %s | ConvertTo-Json -Depth 5", b.escapeParameter(batchName))}
	}
	return channel.Command{Text: "Get-MailboxRestoreRequest | ConvertTo-Json -Depth 5"}
}

// BuildListRestoreRequestsFor lists restore requests matching a source and
// target pair, used for duplicate detection.
func (b *Builder) BuildListRestoreRequestsFor(sourceMailbox, targetMailbox string) channel.Command {
	text := fmt.Sprintf(`Get-MailboxRestoreRequest -TargetMailbox %s -ErrorAction SilentlyContinue |
    Where-Object { $_.SourceExchangeGuid -eq %s } |
    Select-Object Identity, Name, Status |
    ConvertTo-Json -Depth 5`, b.escapeIdentity(targetMailbox), b.escapeIdentity(sourceMailbox))
	return channel.Command{Text: text}
}

// BuildSuspendRestoreRequest pauses an in-flight restore request.
func (b *Builder) BuildSuspendRestoreRequest(requestIdentity string) channel.Command {
	text := fmt.Sprintf("Get-MailboxRestoreRequest -Identity %s | Suspend-MailboxRestoreRequest", b.escapeParameter(requestIdentity))
	return channel.Command{Text: text}
}

// BuildRemoveRestoreRequest removes a finished restore request.
func (b *Builder) BuildRemoveRestoreRequest(requestIdentity string) channel.Command {
	text := fmt.Sprintf("Remove-MailboxRestoreRequest -Identity %s -Confirm:$false", b.escapeParameter(requestIdentity))
	return channel.Command{Text: text}
}

// BuildCustom assembles an arbitrary cmdlet invocation with validated names.
// Unknown parameter names are dropped rather than escaped.
func (b *Builder) BuildCustom(cmdlet string, parameters map[string]any, selectProperties []string) (channel.Command, error) {
	if !cmdletPattern.MatchString(cmdlet) {
		return channel.Command{}, fmt.Errorf("invalid cmdlet name: %s", cmdlet)
	}

	parts := []string{cmdlet}
	for _, key := range sortedKeys(parameters) {
		if !paramPattern.MatchString(key) {
			continue
		}
		switch value := parameters[key].(type) {
		case bool:
			if value {
				parts = append(parts, "-"+key)
			} else {
				parts = append(parts, fmt.Sprintf("-%s:$false", key))
			}
		case int, int64, float64:
			parts = append(parts, fmt.Sprintf("-%s %v", key, value))
		case string:
			parts = append(parts, fmt.Sprintf("-%s %s", key, b.escapeParameter(value)))
		}
	}

	text := strings.Join(parts, " ")
	if len(selectProperties) > 0 {
		text += " | Select-Object " + b.formatProperties(selectProperties)
	}
	text += " | ConvertTo-Json -Depth 10"

	return channel.Command{Text: text}, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
