package config

import (
	"os"
	"strconv"
)

const DATABASE_TYPE = "CAPAFLOW_DATABASE_TYPE"
const DATABASE_URL = "CAPAFLOW_DATABASE_URL"
const DATABASE_SQLLITE_FILE_NAME = "CAPAFLOW_DATABASE_SQLLITE_FILE_NAME"
const SERVER_WEB_PORT = "CAPAFLOW_SERVER_WEB_PORT"
const CRON_SECRET = "CAPAFLOW_CRON_SECRET"
const MONITOR_SCHEDULE = "CAPAFLOW_MONITOR_SCHEDULE"                                 //cron spec for the in-process deadline sweep
const MONITOR_APPROACHING_WINDOW_HOURS = "CAPAFLOW_MONITOR_APPROACHING_WINDOW_HOURS" //warn about deadlines due within this many hours
const ESCALATION_FALLBACK_ROLE = "CAPAFLOW_ESCALATION_FALLBACK_ROLE"                 //role escalated to when an assignee has no manager

const DATABASE_TYPE_POSTGRES = "POSTGRES"
const DATABASE_TYPE_MYSQL = "MYSQL"
const DATABASE_TYPE_SQLLITE = "SQLLITE"

func GetSystemSettingInteger(settingKey string) int {
	val := GetSystemSettingString(settingKey)
	if val != "" {
		intValue, _ := strconv.Atoi(val)
		return intValue
	}
	return 0
}

func GetSystemSettingString(settingKey string) string {
	val := os.Getenv(settingKey)
	if val != "" {
		return val
	}
	if settingKey == MONITOR_SCHEDULE {
		return "0 * * * *" // default to hourly
	}
	if settingKey == MONITOR_APPROACHING_WINDOW_HOURS {
		return "24"
	}
	if settingKey == ESCALATION_FALLBACK_ROLE {
		return "QUALITY_MANAGER"
	}
	if settingKey == SERVER_WEB_PORT {
		return "8080"
	}
	if settingKey == DATABASE_SQLLITE_FILE_NAME {
		return "./capaflow.db"
	}
	return ""
}
