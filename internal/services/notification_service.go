package services

import (
	"fmt"
	"net"
	neturl "net/url"
	"regexp"
	"strings"

	"github.com/containrrr/shoutrrr"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/Wikid82/shadowguard/internal/logger"
	"github.com/Wikid82/shadowguard/internal/models"
	"github.com/Wikid82/shadowguard/internal/util"
)

// NotificationService is the operator channel: every report is stored for the
// console and fanned out to the configured shoutrrr URLs.
type NotificationService struct {
	DB   *gorm.DB
	URLs []string

	// send is swapped out in tests.
	send func(url, message string) error
}

func NewNotificationService(db *gorm.DB, urls []string) *NotificationService {
	return &NotificationService{
		DB:   db,
		URLs: urls,
		send: func(url, message string) error { return shoutrrr.Send(url, message) },
	}
}

var discordWebhookRegex = regexp.MustCompile(`^https://discord(?:app)?\.com/api/webhooks/(\d+)/([a-zA-Z0-9_-]+)`)

// normalizeURL turns a plain Discord webhook URL into its shoutrrr form.
func normalizeURL(rawURL string) string {
	matches := discordWebhookRegex.FindStringSubmatch(rawURL)
	if len(matches) == 3 {
		return fmt.Sprintf("discord://%s@%s", matches[2], matches[1])
	}
	return rawURL
}

// Internal Notifications (DB)

func (s *NotificationService) Create(nType models.NotificationType, source, title, message string) (*models.Notification, error) {
	notification := &models.Notification{
		Type:    nType,
		Source:  source,
		Title:   title,
		Message: message,
		Read:    false,
	}
	result := s.DB.Create(notification)
	return notification, result.Error
}

func (s *NotificationService) List(unreadOnly bool) ([]models.Notification, error) {
	var notifications []models.Notification
	query := s.DB.Order("created_at desc")
	if unreadOnly {
		query = query.Where("read = ?", false)
	}
	result := query.Find(&notifications)
	return notifications, result.Error
}

// MarkAsRead returns gorm.ErrRecordNotFound for an unknown id.
func (s *NotificationService) MarkAsRead(id string) error {
	res := s.DB.Model(&models.Notification{}).Where("id = ?", id).Update("read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *NotificationService) MarkAllAsRead() error {
	return s.DB.Model(&models.Notification{}).Where("read = ?", false).Update("read", true).Error
}

// Report stores a notification and forwards it to external services. It never
// fails the caller; errors are logged.
func (s *NotificationService) Report(nType models.NotificationType, source, title, message string) {
	log := logger.Component("notifications").WithFields(logrus.Fields{
		"source": source,
		"type":   nType,
	})
	if _, err := s.Create(nType, source, title, message); err != nil {
		log.WithError(err).Warn("failed to store notification")
	}
	s.SendExternal(title, message)
}

// External Notifications (Shoutrrr)

func (s *NotificationService) SendExternal(title, message string) {
	if len(s.URLs) == 0 {
		return
	}
	// Use newline for better formatting in chat apps
	msg := fmt.Sprintf("%s\n\n%s", title, message)
	log := logger.Component("notifications")

	for _, raw := range s.URLs {
		go func(raw string) {
			url := normalizeURL(raw)
			// Validate HTTP/HTTPS destinations used by shoutrrr to reduce SSRF risk
			if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
				if _, err := validateWebhookURL(url); err != nil {
					log.WithError(err).Warn("skipping notification to invalid destination")
					return
				}
			}
			if err := s.send(url, msg); err != nil {
				log.WithError(err).WithField("service", util.SanitizeForLog(serviceScheme(url))).Warn("failed to send notification")
			}
		}(raw)
	}
}

// serviceScheme keeps credentials embedded in service URLs out of the logs.
func serviceScheme(url string) string {
	if i := strings.Index(url, "://"); i > 0 {
		return url[:i]
	}
	return "unknown"
}

// isPrivateIP returns true for RFC1918, loopback and link-local addresses.
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 10:
			return true
		case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
			return true
		case ip4[0] == 192 && ip4[1] == 168:
			return true
		}
		return false
	}
	// fc00::/7
	return len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc
}

func validateWebhookURL(raw string) (*neturl.URL, error) {
	u, err := neturl.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("missing host")
	}

	// Allow explicit loopback addresses for local tests.
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return u, nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return nil, fmt.Errorf("disallowed host IP: %s", ip.String())
		}
		return u, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return nil, fmt.Errorf("disallowed host IP: %s", ip.String())
		}
	}
	return u, nil
}
