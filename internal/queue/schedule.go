package queue

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextSlot computes the slot after the one at slot for the bot's schedule.
// Interval bots advance by exactly RunIntervalHours; cron bots advance to the
// schedule's next fire time after the slot.
func nextSlot(bot ScheduledBot, slot time.Time) (time.Time, error) {
	if bot.CronExpr != "" {
		sched, err := cronParser.Parse(bot.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expr for bot %s: %w", bot.BotID, err)
		}
		return sched.Next(slot), nil
	}
	if bot.RunIntervalHours <= 0 {
		return time.Time{}, fmt.Errorf("bot %s: run interval must be positive", bot.BotID)
	}
	return slot.Add(time.Duration(bot.RunIntervalHours) * time.Hour), nil
}

// validateBot rejects registrations the scheduler could never advance.
func validateBot(bot ScheduledBot) error {
	if bot.BotID == "" {
		return fmt.Errorf("bot id is required")
	}
	if bot.CronExpr != "" {
		if _, err := cronParser.Parse(bot.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expr for bot %s: %w", bot.BotID, err)
		}
		return nil
	}
	if bot.RunIntervalHours <= 0 {
		return fmt.Errorf("bot %s: run interval must be positive", bot.BotID)
	}
	return nil
}
