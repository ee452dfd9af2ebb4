package main

import "testing"

func TestEscapeBusLabel(t *testing.T) {
	tt := map[string]string{
		"":                                     "_",
		"dbus":                                 "dbus",
		"dbus.service":                         "dbus_2eservice",
		"foo@bar.service":                      "foo_40bar_2eservice",
		"foo_bar@bar.service":                  "foo_5fbar_40bar_2eservice",
		"systemd-networkd-wait-online.service": "systemd_2dnetworkd_2dwait_2donline_2eservice",
		"555": "_3555",
	}
	for name, want := range tt {
		if got := escapeBusLabel(name); got != want {
			t.Errorf("escapeBusLabel(%q) = %q, want %q", name, got, want)
		}
	}
}
