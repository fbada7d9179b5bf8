//nolint:lll // struct tags can't be split
package einoah

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
)

const (
	DefaultGuildBitrate   = 96000
	DefaultQuoteMaxLength = 256
)

var (
	ErrQuoteTooLong = errors.New("quote too long")
	ErrQuoteEmpty   = errors.New("quote is empty")
)

// Guild is a discord guild the bot has seen a command in
type Guild struct {
	ID      string `json:"id" gorm:"primaryKey;type:string"`
	Bitrate int    `json:"bitrate" gorm:"not null;default:96000"`

	ModelUnixTime
}

// User is a record of a Discord user, refreshed each time they're seen.
type User struct {
	// ID is the Discord user ID
	ID         string `json:"id" gorm:"primaryKey;type:string"`
	Username   string `json:"username" gorm:"type:string"`
	GlobalName string `json:"global_name" gorm:"type:string"`
	Avatar     string `json:"avatar" gorm:"type:string"`
	Bot        bool   `json:"bot" gorm:"type:bool"`

	ModelUnixTime
}

func newUser(u *discordgo.User) User {
	return User{
		ID:         u.ID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
		Avatar:     u.Avatar,
		Bot:        u.Bot,
	}
}

// DisplayName is the user's global name, or username if none is set
func (u User) DisplayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// AvatarURL returns the URL of the user's avatar, or of the default
// avatar if they haven't set one.
func (u User) AvatarURL() string {
	du := discordgo.User{ID: u.ID, Avatar: u.Avatar}
	return du.AvatarURL("")
}

func (u User) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.ID)
}

// GuildUser is a user's membership of a guild. Quotes belong to a
// GuildUser, not a User, so they're scoped to the guild they were
// added in.
type GuildUser struct {
	ModelUintID
	GuildID   string `json:"guild_id" gorm:"not null;uniqueIndex:idx_guild_user"`
	Guild     *Guild `json:"guild,omitempty"`
	UserID    string `json:"user_id" gorm:"not null;uniqueIndex:idx_guild_user"`
	User      *User  `json:"user,omitempty"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

// Quote is a quote of GuildUser, added by Creator
type Quote struct {
	ModelUintID
	Text string    `json:"text" gorm:"not null"`
	Date time.Time `json:"date" gorm:"not null"`

	// GuildUserID is the quoted guild user
	GuildUserID uint       `json:"guild_user_id" gorm:"not null;index"`
	GuildUser   *GuildUser `json:"guild_user,omitempty" gorm:"foreignKey:GuildUserID"`

	// CreatorID is the guild user who added the quote
	CreatorID uint       `json:"creator_id" gorm:"not null;index"`
	Creator   *GuildUser `json:"creator,omitempty" gorm:"foreignKey:CreatorID"`

	ModelUnixTime
}

// getUserGuildData gets or creates the guild, user and guild user records
// for the given discord user in the given guild, updating the stored
// user's names and avatar if they changed.
func getUserGuildData(
	ctx context.Context,
	db DBI,
	guildID string,
	u *discordgo.User,
) (*GuildUser, error) {
	if guildID == "" {
		return nil, errors.New("guild ID required")
	}
	if u == nil || u.ID == "" {
		return nil, errors.New("user required")
	}

	var gu GuildUser
	err := db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			guild := Guild{ID: guildID, Bitrate: DefaultGuildBitrate}
			if err := tx.Where(Guild{ID: guildID}).FirstOrCreate(&guild).Error; err != nil {
				return fmt.Errorf("error getting guild: %w", err)
			}

			seen := newUser(u)
			user := seen
			if err := tx.Where(User{ID: u.ID}).
				Assign(map[string]any{
					"username":    seen.Username,
					"global_name": seen.GlobalName,
					"avatar":      seen.Avatar,
					"bot":         seen.Bot,
				}).
				FirstOrCreate(&user).Error; err != nil {
				return fmt.Errorf("error getting user: %w", err)
			}

			if err := tx.Where(GuildUser{GuildID: guildID, UserID: u.ID}).
				FirstOrCreate(&gu).Error; err != nil {
				return fmt.Errorf("error getting guild user: %w", err)
			}
			gu.Guild = &guild
			gu.User = &user
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return &gu, nil
}

// addQuote stores a new quote of quoted, by creator. Text is trimmed, and
// must be non-empty and at most maxLength characters. A zero date is
// replaced with the current time.
func addQuote(
	ctx context.Context,
	db DBI,
	text string,
	date time.Time,
	quoted *GuildUser,
	creator *GuildUser,
	maxLength int,
) (*Quote, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrQuoteEmpty
	}
	if maxLength <= 0 {
		maxLength = DefaultQuoteMaxLength
	}
	if utf8.RuneCountInString(text) > maxLength {
		return nil, fmt.Errorf("%w (max %d)", ErrQuoteTooLong, maxLength)
	}
	if date.IsZero() {
		date = time.Now()
	}

	quote := &Quote{
		Text:        text,
		Date:        date.UTC(),
		GuildUserID: quoted.ID,
		CreatorID:   creator.ID,
	}
	if _, err := db.Create(ctx, quote); err != nil {
		return nil, fmt.Errorf("error creating quote: %w", err)
	}
	quote.GuildUser = quoted
	quote.Creator = creator
	return quote, nil
}

func preloadQuoteUsers(db *gorm.DB) *gorm.DB {
	return db.Preload("GuildUser.User").Preload("Creator.User")
}

// listQuotes returns the quotes of the given guild user, oldest first.
// If creatorID is non-zero, only quotes added by that guild user are
// returned.
func listQuotes(
	ctx context.Context,
	db *gorm.DB,
	quotedID uint,
	creatorID uint,
) ([]Quote, error) {
	q := preloadQuoteUsers(db.WithContext(ctx)).Where("guild_user_id = ?", quotedID)
	if creatorID != 0 {
		q = q.Where("creator_id = ?", creatorID)
	}
	var quotes []Quote
	if err := q.Order("id").Find(&quotes).Error; err != nil {
		return nil, fmt.Errorf("error listing quotes: %w", err)
	}
	return quotes, nil
}

// randomQuote picks a random quote from the given guild. It returns
// gorm.ErrRecordNotFound if the guild has none.
func randomQuote(ctx context.Context, db *gorm.DB, guildID string) (*Quote, error) {
	var quote Quote
	err := preloadQuoteUsers(db.WithContext(ctx)).
		Joins("JOIN guild_users ON guild_users.id = quotes.guild_user_id").
		Where("guild_users.guild_id = ?", guildID).
		Order("RANDOM()").
		Take(&quote).Error
	if err != nil {
		return nil, err
	}
	return &quote, nil
}

// guildQuotes returns one page of the given guild's quotes, newest
// first, and the total number of quotes in the guild.
func guildQuotes(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	p Pagination,
) ([]Quote, int64, error) {
	scope := func(tx *gorm.DB) *gorm.DB {
		return tx.Joins("JOIN guild_users ON guild_users.id = quotes.guild_user_id").
			Where("guild_users.guild_id = ?", guildID)
	}

	var total int64
	if err := db.WithContext(ctx).Model(&Quote{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("error counting quotes: %w", err)
	}

	var quotes []Quote
	if err := preloadQuoteUsers(db.WithContext(ctx)).
		Scopes(scope).
		Order("quotes.id desc").
		Limit(p.Limit).
		Offset(p.Offset).
		Find(&quotes).Error; err != nil {
		return nil, 0, fmt.Errorf("error listing quotes: %w", err)
	}
	return quotes, total, nil
}

// deleteQuotes deletes the quotes with the given IDs in a single
// transaction, returning the number deleted.
func deleteQuotes(ctx context.Context, db DBI, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int64
	err := db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			rv := tx.Where("id IN ?", ids).Delete(&Quote{})
			deleted = rv.RowsAffected
			return rv.Error
		},
	)
	if err != nil {
		return 0, fmt.Errorf("error deleting quotes: %w", err)
	}
	return deleted, nil
}
