package directory

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Placeholders expanded in every command and expected substring.
const (
	PlaceholderOperator         = "{operator}"
	PlaceholderOperatorPassword = "{operator_password}"
	PlaceholderNickname         = "{nickname}"
	PlaceholderPassword         = "{password}"
)

// Step is one gated exchange: every Send line goes out, then incoming lines are read until each
// Expect group has been matched. A group matches when a line contains any of its substrings.
// Groups may match in any order and on different lines.
type Step struct {
	Send   []string   `yaml:"send"`
	Expect [][]string `yaml:"expect"`
}

// Profile is the conversation script for one directory implementation.
type Profile struct {
	Authorize    Step   `yaml:"authorize"`
	Authenticate Step   `yaml:"authenticate"`
	Elevate      Step   `yaml:"elevate"`
	Register     Step   `yaml:"register"`
	Quit         string `yaml:"quit"`
}

// DefaultProfile talks to an ircd with an Atheme-style NickServ that supports SAREGISTER.
func DefaultProfile() Profile {
	return Profile{
		Authorize: Step{
			Send: []string{
				"USER {operator} 0 * :{operator}",
				"NICK {operator}",
			},
			// 376 ends the MOTD; 422 replaces it when the server has none.
			Expect: [][]string{{" 376 ", " 422 "}},
		},
		Authenticate: Step{
			Send:   []string{"PRIVMSG NickServ :IDENTIFY {operator_password}"},
			Expect: [][]string{{"now logged in as {operator}"}},
		},
		Elevate: Step{
			Send:   []string{"OPER {operator} {operator_password}"},
			Expect: [][]string{{"now an IRC operator"}},
		},
		Register: Step{
			Send: []string{
				"PRIVMSG NickServ :SAREGISTER {nickname} {password}",
				"PRIVMSG NickServ :PASSWD {nickname} {password}",
			},
			Expect: [][]string{
				{"Account already exists", "Successfully registered account"},
				{"Password changed"},
			},
		},
		Quit: "QUIT :RegServ",
	}
}

// LoadProfile reads a YAML profile. Steps left out of the file keep their defaults.
func LoadProfile(path string) (Profile, error) {
	profile := DefaultProfile()
	if path == "" {
		return profile, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if err := profile.Validate(); err != nil {
		return Profile{}, fmt.Errorf("profile %s: %w", path, err)
	}
	return profile, nil
}

// Validate checks that every stage sends something and waits for something.
func (p Profile) Validate() error {
	var errs []error
	for _, stage := range gatedStages {
		step := p.step(stage)
		if len(step.Send) == 0 {
			errs = append(errs, fmt.Errorf("%s: no commands", stage))
		}
		if len(step.Expect) == 0 {
			errs = append(errs, fmt.Errorf("%s: no expected replies", stage))
		}
		for i, group := range step.Expect {
			if len(group) == 0 {
				errs = append(errs, fmt.Errorf("%s: expect group %d is empty", stage, i))
			}
			for _, s := range group {
				if strings.TrimSpace(s) == "" {
					errs = append(errs, fmt.Errorf("%s: expect group %d has a blank pattern", stage, i))
				}
			}
		}
	}
	return errors.Join(errs...)
}

func (p Profile) step(stage Stage) Step {
	switch stage {
	case StageAuthorize:
		return p.Authorize
	case StageAuthenticate:
		return p.Authenticate
	case StageElevate:
		return p.Elevate
	case StageRegister:
		return p.Register
	default:
		return Step{}
	}
}

// expand returns a copy of step with placeholders substituted.
func (s Step) expand(r *strings.Replacer) Step {
	out := Step{
		Send:   make([]string, len(s.Send)),
		Expect: make([][]string, len(s.Expect)),
	}
	for i, line := range s.Send {
		out.Send[i] = r.Replace(line)
	}
	for i, group := range s.Expect {
		out.Expect[i] = make([]string, len(group))
		for j, pattern := range group {
			out.Expect[i][j] = r.Replace(pattern)
		}
	}
	return out
}
